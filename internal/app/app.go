// Package app renders a live view of a pipeline run: the current phase,
// file set progress and what every worker is doing.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/brensch/stagehand/internal/dispatch"
)

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle  = lipgloss.NewStyle().Padding(0, 1)
	workerHeaderStyle = lipgloss.NewStyle().Bold(true).MarginBottom(1)
	workerStatusStyle = map[string]lipgloss.Style{
		"Processing": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"Idle":       lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		"Failures":   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"Done":       lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
	}
)

// WorkerProgress is the last known state of one worker.
type WorkerProgress struct {
	BatchIndex int
	UnitKey    string
	Status     string
	SetsDone   int
	SetsTotal  int
	Failed     int
	Start      time.Time
}

type Model struct {
	State            AppState
	pipeline         string
	spinner          spinner.Model
	overallProgress  progress.Model
	progressBarWidth int

	phase       string
	totalSets   int
	doneSets    int
	failedFiles int
	workers     map[int]*WorkerProgress

	finished  *TaskFinishedMsg
	lastError error
	Quitting  bool

	termWidth  int
	termHeight int

	msgs   <-chan tea.Msg
	cancel context.CancelFunc
}

// New builds the model. cancel is called when the user quits mid-run.
func New(pipeline string, msgs <-chan tea.Msg, cancel context.CancelFunc) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &Model{
		State:           Running,
		pipeline:        pipeline,
		spinner:         s,
		overallProgress: progress.New(progress.WithDefaultGradient()),
		workers:         make(map[int]*WorkerProgress),
		termWidth:       80,
		termHeight:      24,
		msgs:            msgs,
		cancel:          cancel,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForActivityCmd())
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	waitMore := false

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.State == Running && m.cancel != nil {
				// Let in-flight file sets finish; the run winds down on its own.
				m.cancel()
				m.phase = "cancelling"
				return m, nil
			}
			m.Quitting = true
			m.State = Exiting
			return m, tea.Quit
		case "enter", "esc":
			if m.State == Finished || m.State == ShowError {
				m.Quitting = true
				m.State = Exiting
				return m, tea.Quit
			}
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.progressBarWidth = max(0, m.termWidth-4)
		m.overallProgress.Width = m.progressBarWidth
	case PhaseMsg:
		m.phase = msg.Phase
		if msg.FileSets > 0 {
			m.totalSets = msg.FileSets
		}
		waitMore = true
	case WorkerMsg:
		m.applyEvent(msg.Event, msg.At)
		if m.totalSets > 0 {
			cmds = append(cmds, m.overallProgress.SetPercent(float64(m.doneSets)/float64(m.totalSets)))
		}
		waitMore = true
	case TaskFinishedMsg:
		m.finished = &msg
		m.State = Finished
		if msg.Err != nil {
			m.lastError = msg.Err
			m.State = ShowError
		}
	case spinner.TickMsg:
		if m.State == Running {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case progress.FrameMsg:
		progModel, frameCmd := m.overallProgress.Update(msg)
		if newModel, ok := progModel.(progress.Model); ok {
			m.overallProgress = newModel
			cmds = append(cmds, frameCmd)
		}
	}

	if waitMore {
		cmds = append(cmds, m.waitForActivityCmd())
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) applyEvent(ev dispatch.Event, at time.Time) {
	w, ok := m.workers[ev.WorkerID]
	if !ok {
		w = &WorkerProgress{Status: "Idle"}
		m.workers[ev.WorkerID] = w
	}
	switch ev.Kind {
	case dispatch.EventBatchStarted:
		*w = WorkerProgress{BatchIndex: ev.BatchIndex, Status: "Processing", SetsTotal: ev.FileSets, Start: at}
	case dispatch.EventFileSetStarted:
		w.UnitKey = ev.UnitKey
		w.Status = "Processing"
	case dispatch.EventFileSetFinished:
		w.SetsDone++
		w.Failed += ev.FailedFiles
		m.doneSets++
		m.failedFiles += ev.FailedFiles
	case dispatch.EventBatchFinished:
		w.UnitKey = ""
		w.Status = "Done"
		if w.Failed > 0 {
			w.Status = "Failures"
		}
	}
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("--- stagehand: %s ---", m.pipeline)))
	b.WriteString("\n\n")

	switch m.State {
	case Running:
		b.WriteString(m.viewProgress())
		b.WriteString("\n")
		b.WriteString(infoStyle.Render("Run in progress... 'q' or Ctrl+C to stop after the current file sets."))
	case Finished:
		b.WriteString(m.viewProgress())
		b.WriteString("\n")
		b.WriteString(m.viewSummary())
		b.WriteString("\n")
		b.WriteString(infoStyle.Render("Press Enter or q to exit."))
	case ShowError:
		b.WriteString(m.viewError())
		b.WriteString("\n")
		b.WriteString(infoStyle.Render("Press Enter or q to exit."))
	case Exiting:
		b.WriteString(infoStyle.Render("Exiting..."))
	}
	return b.String()
}

func (m *Model) viewProgress() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s Phase: %s\n", m.spinner.View(), m.phase)
	b.WriteString(progressBarStyle.Render(m.overallProgress.View()))
	fmt.Fprintf(&b, " (%d/%d file sets, %d failed files)\n\n", m.doneSets, m.totalSets, m.failedFiles)

	if len(m.workers) == 0 {
		return b.String()
	}
	ids := make([]int, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	b.WriteString(workerHeaderStyle.Render(fmt.Sprintf("%-8s | %-6s | %-12s | %-10s | %-28s | %s", "Worker", "Batch", "Status", "Sets", "Unit key", "Elapsed")))
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", m.termWidth))
	b.WriteString("\n")

	maxLines := max(1, m.termHeight-12)
	for i, id := range ids {
		if i >= maxLines {
			fmt.Fprintf(&b, "... %d more workers\n", len(ids)-maxLines)
			break
		}
		w := m.workers[id]
		style, ok := workerStatusStyle[w.Status]
		if !ok {
			style = infoStyle
		}
		elapsed := ""
		if !w.Start.IsZero() {
			elapsed = time.Since(w.Start).Round(time.Second).String()
		}
		key := w.UnitKey
		if len(key) > 28 {
			key = key[:25] + "..."
		}
		fmt.Fprintf(&b, "%-8d | %-6d | %s | %-10s | %-28s | %s\n",
			id, w.BatchIndex, style.Render(fmt.Sprintf("%-12s", w.Status)), fmt.Sprintf("%d/%d", w.SetsDone, w.SetsTotal), key, elapsed)
	}
	return b.String()
}

func (m *Model) viewSummary() string {
	if m.finished == nil {
		return ""
	}
	rep := m.finished.Report
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s finished in %s.\n", rep.RunID, m.finished.EndTime.Sub(m.finished.StartTime).Round(time.Millisecond))
	fmt.Fprintf(&b, "Stored %d, quarantined %d, skipped %d.\n", rep.Store.Stored, rep.Store.Quarantined, rep.Store.Skipped)
	for _, t := range rep.Summary.Types {
		fmt.Fprintf(&b, "  %-20s succeeded %-6d failed %d\n", t.FileType, t.Succeeded, t.Failed)
	}
	for _, s := range rep.Summary.Samples {
		b.WriteString(errorStyle.Render(fmt.Sprintf("  -> %s [%s]: %s", s.FileName, s.ErrorKind, s.ErrorDetail)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) viewError() string {
	var b strings.Builder
	b.WriteString(errorStyle.Render("The run failed:"))
	b.WriteString("\n\n")
	if m.lastError != nil {
		b.WriteString(wrapText(m.lastError.Error(), m.termWidth-4))
	} else {
		b.WriteString("Unknown error.")
	}
	b.WriteString("\n")
	return b.String()
}

// waitForActivityCmd blocks on the next message from the run.
func (m *Model) waitForActivityCmd() tea.Cmd {
	if m.msgs == nil {
		return nil
	}
	msgs := m.msgs
	return func() tea.Msg {
		msg, ok := <-msgs
		if !ok {
			return nil
		}
		return msg
	}
}

// Err returns the run error, if the run finished with one.
func (m *Model) Err() error {
	if m.finished == nil {
		return nil
	}
	return m.finished.Err
}

func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var result strings.Builder
	var currentLine strings.Builder
	for _, word := range strings.Fields(text) {
		if currentLine.Len() > 0 && currentLine.Len()+len(word)+1 > maxWidth {
			result.WriteString(currentLine.String())
			result.WriteString("\n")
			currentLine.Reset()
		}
		if currentLine.Len() > 0 {
			currentLine.WriteString(" ")
		}
		currentLine.WriteString(word)
	}
	result.WriteString(currentLine.String())
	return result.String()
}
