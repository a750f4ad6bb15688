// Package temporal drives pipeline runs from a Temporal worker. Each phase
// is an activity, and process fans out as one activity per batch.
package temporal

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/brensch/stagehand/internal/dispatch"
	"github.com/brensch/stagehand/internal/engine"
	"github.com/brensch/stagehand/internal/filestate"
	"github.com/brensch/stagehand/internal/ledger"
)

// Phases is the engine surface the activities call.
type Phases interface {
	Ingest(ctx context.Context) (engine.IngestReport, error)
	StartRun(ctx context.Context) (ledger.Run, error)
	Batch(ctx context.Context, runID string) (engine.BatchReport, error)
	BatchCount(ctx context.Context, runID string) (int, error)
	Process(ctx context.Context, runID string, index int) (dispatch.Report, error)
	Store(ctx context.Context, runID string) (engine.StoreReport, error)
	Summarize(ctx context.Context, runID string, sampleLimit int) (ledger.Summary, error)
}

var _ Phases = (*engine.Engine)(nil)

// Activities holds the activity implementations.
type Activities struct {
	phases Phases
}

func NewActivities(p Phases) *Activities {
	return &Activities{phases: p}
}

// ProcessBatchInput addresses one persisted batch.
type ProcessBatchInput struct {
	RunID string `json:"runId"`
	Index int    `json:"index"`
}

// SummarizeInput selects the run to summarise.
type SummarizeInput struct {
	RunID       string `json:"runId"`
	SampleLimit int    `json:"sampleLimit"`
}

const (
	errTypeNotFound = "NOT_FOUND"
	errTypeMove     = "MOVE_FAILED"
)

// classify marks errors a retry cannot fix as non-retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var moveErr *filestate.MoveError
	switch {
	case errors.Is(err, ledger.ErrRunNotFound), errors.Is(err, ledger.ErrBatchNotFound):
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypeNotFound, err)
	case errors.As(err, &moveErr):
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypeMove, err)
	}
	return err
}

func (a *Activities) Ingest(ctx context.Context) (engine.IngestReport, error) {
	activity.GetLogger(ctx).Info("Ingest activity started.")
	rep, err := a.phases.Ingest(ctx)
	return rep, classify(err)
}

func (a *Activities) StartRun(ctx context.Context) (string, error) {
	run, err := a.phases.StartRun(ctx)
	if err != nil {
		return "", err
	}
	return run.RunID, nil
}

func (a *Activities) Batch(ctx context.Context, runID string) (engine.BatchReport, error) {
	activity.GetLogger(ctx).Info("Batch activity started.", "run_id", runID)
	rep, err := a.phases.Batch(ctx, runID)
	return rep, classify(err)
}

func (a *Activities) BatchCount(ctx context.Context, runID string) (int, error) {
	n, err := a.phases.BatchCount(ctx, runID)
	return n, classify(err)
}

// ProcessBatch runs one batch. Files that already succeeded in the run are
// skipped, so a retried attempt only redoes what is left.
func (a *Activities) ProcessBatch(ctx context.Context, in ProcessBatchInput) (dispatch.Report, error) {
	activity.GetLogger(ctx).Info("Process activity started.", "run_id", in.RunID, "batch_index", in.Index)
	rep, err := a.phases.Process(ctx, in.RunID, in.Index)
	return rep, classify(err)
}

func (a *Activities) Store(ctx context.Context, runID string) (engine.StoreReport, error) {
	activity.GetLogger(ctx).Info("Store activity started.", "run_id", runID)
	rep, err := a.phases.Store(ctx, runID)
	return rep, classify(err)
}

func (a *Activities) Summarize(ctx context.Context, in SummarizeInput) (ledger.Summary, error) {
	s, err := a.phases.Summarize(ctx, in.RunID, in.SampleLimit)
	return s, classify(err)
}
