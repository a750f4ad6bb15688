package app

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/brensch/stagehand/internal/dispatch"
	"github.com/brensch/stagehand/internal/engine"
)

// PhaseMsg announces the phase the run entered.
type PhaseMsg struct {
	Phase string
	// FileSets is the number of eligible file sets, once known.
	FileSets int
}

// WorkerMsg carries one dispatcher event.
type WorkerMsg struct {
	Event dispatch.Event
	At    time.Time
}

// TaskFinishedMsg signals the end of the run.
type TaskFinishedMsg struct {
	Report    engine.RunReport
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

func (p PhaseMsg) String() string  { return fmt.Sprintf("Phase %s", p.Phase) }
func (w WorkerMsg) String() string { return fmt.Sprintf("Worker %d: %s", w.Event.WorkerID, w.Event.Kind) }

// Bridge turns engine callbacks into tea messages. Worker events are dropped
// when the buffer is full so a slow UI never stalls the workers. Phase and
// finish messages wait for room, until the UI stops listening.
type Bridge struct {
	ch      chan tea.Msg
	done    chan struct{}
	once    sync.Once
	start   time.Time
	dropped atomic.Int64
}

func NewBridge(buffer int) *Bridge {
	return &Bridge{
		ch:    make(chan tea.Msg, buffer),
		done:  make(chan struct{}),
		start: time.Now(),
	}
}

// Messages is the channel the model reads from.
func (b *Bridge) Messages() <-chan tea.Msg { return b.ch }

func (b *Bridge) send(msg tea.Msg) {
	select {
	case b.ch <- msg:
	case <-b.done:
	}
}

// Observe is a dispatch.Observer. It never blocks.
func (b *Bridge) Observe(ev dispatch.Event) {
	select {
	case b.ch <- WorkerMsg{Event: ev, At: time.Now()}:
	default:
		b.dropped.Add(1)
	}
}

// Dropped is the number of worker events discarded on a full buffer.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// OnPhase matches engine.RunOptions.OnPhase.
func (b *Bridge) OnPhase(phase string, sofar engine.RunReport) {
	b.send(PhaseMsg{Phase: phase, FileSets: sofar.Batch.FileSets})
}

// Finish delivers the final report and closes the channel. It must be called
// once, after the last Observe.
func (b *Bridge) Finish(rep engine.RunReport, err error) {
	b.send(TaskFinishedMsg{Report: rep, Err: err, StartTime: b.start, EndTime: time.Now()})
	close(b.ch)
}

// Stop releases pending and future senders.
func (b *Bridge) Stop() {
	b.once.Do(func() { close(b.done) })
}
