package app

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/stagehand/internal/dispatch"
	"github.com/brensch/stagehand/internal/engine"
	"github.com/brensch/stagehand/internal/ledger"
)

func TestModelTracksWorkers(t *testing.T) {
	b := NewBridge(16)
	m := New("garmin", b.Messages(), nil)

	m.Update(PhaseMsg{Phase: engine.PhaseProcess, FileSets: 3})
	m.Update(WorkerMsg{Event: dispatch.Event{Kind: dispatch.EventBatchStarted, WorkerID: 0, BatchIndex: 0, FileSets: 2}})
	m.Update(WorkerMsg{Event: dispatch.Event{Kind: dispatch.EventFileSetStarted, WorkerID: 0, UnitKey: "2025-08-07"}})
	m.Update(WorkerMsg{Event: dispatch.Event{Kind: dispatch.EventFileSetFinished, WorkerID: 0, Files: 2, FailedFiles: 1}})
	m.Update(WorkerMsg{Event: dispatch.Event{Kind: dispatch.EventBatchStarted, WorkerID: 1, BatchIndex: 1, FileSets: 1}})

	assert.Equal(t, 3, m.totalSets)
	assert.Equal(t, 1, m.doneSets)
	assert.Equal(t, 1, m.failedFiles)
	require.Contains(t, m.workers, 0)
	assert.Equal(t, "2025-08-07", m.workers[0].UnitKey)
	assert.Equal(t, 1, m.workers[0].SetsDone)

	m.Update(WorkerMsg{Event: dispatch.Event{Kind: dispatch.EventBatchFinished, WorkerID: 0}})
	assert.Equal(t, "Failures", m.workers[0].Status)

	view := m.View()
	assert.Contains(t, view, "stagehand: garmin")
	assert.Contains(t, view, "Phase: process")
	assert.Contains(t, view, "1/3 file sets")
}

func TestModelFinish(t *testing.T) {
	m := New("garmin", nil, nil)
	m.Update(TaskFinishedMsg{Report: engine.RunReport{
		RunID: "run-1",
		Store: engine.StoreReport{Stored: 4, Quarantined: 1},
		Summary: ledger.Summary{
			Types:   []ledger.TypeCount{{FileType: "SLEEP", Succeeded: 4, Failed: 1}},
			Samples: []ledger.FileResult{{FileName: "bad.json", ErrorKind: ledger.KindTimeout, ErrorDetail: "file set exceeded 1s"}},
		},
	}})
	assert.Equal(t, Finished, m.State)
	view := m.View()
	assert.Contains(t, view, "Run run-1 finished")
	assert.Contains(t, view, "quarantined 1")
	assert.Contains(t, view, "bad.json")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.NotNil(t, cmd)
	assert.Equal(t, Exiting, m.State)
}

func TestModelError(t *testing.T) {
	m := New("garmin", nil, nil)
	m.Update(TaskFinishedMsg{Err: errors.New("store run r1: move failed")})
	assert.Equal(t, ShowError, m.State)
	assert.Contains(t, m.View(), "move failed")
	assert.Error(t, m.Err())
}

func TestQuitCancelsRunningRun(t *testing.T) {
	cancelled := false
	m := New("garmin", nil, func() { cancelled = true })
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.True(t, cancelled)
	assert.Equal(t, Running, m.State, "the run keeps going until it winds down")
}

func TestBridge(t *testing.T) {
	b := NewBridge(4)
	b.OnPhase(engine.PhaseProcess, engine.RunReport{Batch: engine.BatchReport{FileSets: 7}})
	b.Observe(dispatch.Event{Kind: dispatch.EventBatchStarted})
	b.Finish(engine.RunReport{RunID: "r"}, nil)

	var got []tea.Msg
	for msg := range b.Messages() {
		got = append(got, msg)
	}
	require.Len(t, got, 3)
	assert.Equal(t, PhaseMsg{Phase: engine.PhaseProcess, FileSets: 7}, got[0])
	assert.IsType(t, WorkerMsg{}, got[1])
	assert.IsType(t, TaskFinishedMsg{}, got[2])
}

func TestBridgeStopUnblocksSenders(t *testing.T) {
	b := NewBridge(0)
	b.Stop()
	b.Observe(dispatch.Event{})
	b.Finish(engine.RunReport{}, nil)
}

func TestBridgeObserveNeverBlocksOnFullBuffer(t *testing.T) {
	b := NewBridge(1)
	b.Observe(dispatch.Event{Kind: dispatch.EventBatchStarted})
	b.Observe(dispatch.Event{Kind: dispatch.EventFileSetFinished})
	b.Observe(dispatch.Event{Kind: dispatch.EventBatchFinished})
	assert.Equal(t, int64(2), b.Dropped())

	msg := <-b.Messages()
	assert.Equal(t, dispatch.EventBatchStarted, msg.(WorkerMsg).Event.Kind)
	b.Stop()
}
