package temporal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/brensch/stagehand/internal/dispatch"
	"github.com/brensch/stagehand/internal/engine"
	"github.com/brensch/stagehand/internal/filestate"
	"github.com/brensch/stagehand/internal/ledger"
)

// fakePhases records which phases ran.
type fakePhases struct {
	mu        sync.Mutex
	calls     []string
	processed map[int]int
	batches   int
	failBatch int
}

func newFakePhases(batches int) *fakePhases {
	return &fakePhases{processed: map[int]int{}, batches: batches, failBatch: -1}
}

func (f *fakePhases) note(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePhases) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakePhases) Ingest(context.Context) (engine.IngestReport, error) {
	f.note("ingest")
	return engine.IngestReport{ToProcess: 4, Unrecognized: []string{"notes.txt"}}, nil
}

func (f *fakePhases) StartRun(context.Context) (ledger.Run, error) {
	f.note("start")
	return ledger.Run{RunID: "run-1", Pipeline: "garmin"}, nil
}

func (f *fakePhases) Batch(_ context.Context, runID string) (engine.BatchReport, error) {
	f.note("batch")
	sizes := make([]int, f.batches)
	for i := range sizes {
		sizes[i] = 1
	}
	return engine.BatchReport{FileSets: f.batches, Sizes: sizes}, nil
}

func (f *fakePhases) BatchCount(_ context.Context, runID string) (int, error) {
	f.note("count")
	if runID != "run-1" {
		return 0, fmt.Errorf("%w: %s", ledger.ErrRunNotFound, runID)
	}
	return f.batches, nil
}

func (f *fakePhases) Process(_ context.Context, runID string, index int) (dispatch.Report, error) {
	f.mu.Lock()
	f.processed[index]++
	f.mu.Unlock()
	if index == f.failBatch {
		return dispatch.Report{}, fmt.Errorf("%w: run %s batch %d", ledger.ErrBatchNotFound, runID, index)
	}
	return dispatch.Report{Batches: 1, FileSets: 1, Succeeded: 2, Failed: 1}, nil
}

func (f *fakePhases) Store(context.Context, string) (engine.StoreReport, error) {
	f.note("store")
	return engine.StoreReport{Stored: 2 * f.batches, Quarantined: f.batches}, nil
}

func (f *fakePhases) Summarize(_ context.Context, runID string, _ int) (ledger.Summary, error) {
	f.note("summarize")
	return ledger.Summary{RunID: runID, Types: []ledger.TypeCount{{FileType: "SLEEP", Succeeded: 2 * f.batches, Failed: f.batches}}}, nil
}

func runWorkflow(t *testing.T, f *fakePhases, in PipelineRunInput) (PipelineRunResult, error) {
	t.Helper()
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()
	env.RegisterActivity(NewActivities(f))
	env.ExecuteWorkflow(PipelineRunWorkflowFunc, in)
	require.True(t, env.IsWorkflowCompleted())

	var res PipelineRunResult
	if err := env.GetWorkflowError(); err != nil {
		return res, err
	}
	require.NoError(t, env.GetWorkflowResult(&res))
	return res, nil
}

func TestPipelineRunWorkflow(t *testing.T) {
	f := newFakePhases(3)
	res, err := runWorkflow(t, f, PipelineRunInput{SampleLimit: 5})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, []string{"notes.txt"}, res.Unrecognized)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 3, res.Process.Batches)
	assert.Equal(t, 6, res.Process.Succeeded)
	assert.Equal(t, 3, res.Process.Failed)
	assert.Equal(t, engine.StoreReport{Stored: 6, Quarantined: 3}, res.Store)
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1}, f.processed)
	assert.Equal(t, []string{"ingest", "start", "batch", "store", "summarize"}, f.calls)
}

func TestPipelineRunWorkflowSkipsStoreWhenABatchFails(t *testing.T) {
	f := newFakePhases(3)
	f.failBatch = 1
	_, err := runWorkflow(t, f, PipelineRunInput{})
	require.Error(t, err)

	assert.False(t, f.called("store"))
	assert.Equal(t, 1, f.processed[1], "not-found errors are not retried")
}

func TestPipelineRunWorkflowResume(t *testing.T) {
	f := newFakePhases(2)
	res, err := runWorkflow(t, f, PipelineRunInput{ResumeRunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 2, res.Batches)
	assert.False(t, f.called("ingest"))
	assert.False(t, f.called("batch"))
	assert.True(t, f.called("store"))
}

func TestPipelineRunWorkflowResumeUnknownRun(t *testing.T) {
	f := newFakePhases(2)
	_, err := runWorkflow(t, f, PipelineRunInput{ResumeRunID: "nope"})
	require.Error(t, err)
	assert.Empty(t, f.processed)
}

func TestNoEligibleFileSets(t *testing.T) {
	f := newFakePhases(0)
	res, err := runWorkflow(t, f, PipelineRunInput{})
	require.NoError(t, err)
	assert.Zero(t, res.Batches)
	assert.True(t, f.called("store"))
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		nonRetryable bool
	}{
		{name: "run not found", err: fmt.Errorf("x: %w", ledger.ErrRunNotFound), nonRetryable: true},
		{name: "batch not found", err: ledger.ErrBatchNotFound, nonRetryable: true},
		{name: "move", err: &filestate.MoveError{Name: "a", From: filestate.Process, To: filestate.Store, Err: errors.New("gone")}, nonRetryable: true},
		{name: "transient", err: errors.New("database is locked")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			var appErr *temporal.ApplicationError
			if tt.nonRetryable {
				require.True(t, errors.As(err, &appErr))
				assert.True(t, appErr.NonRetryable())
			} else {
				assert.False(t, errors.As(err, &appErr))
			}
		})
	}
	assert.NoError(t, classify(nil))
}
