package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brensch/stagehand/internal/dispatch"
	"github.com/brensch/stagehand/internal/ledger"
)

const (
	PhaseIngest  = "ingest"
	PhaseBatch   = "batch"
	PhaseProcess = "process"
	PhaseStore   = "store"
)

// RunReport gathers the reports of every phase of one run.
type RunReport struct {
	RunID   string
	Ingest  IngestReport
	Batch   BatchReport
	Process dispatch.Report
	Store   StoreReport
	Summary ledger.Summary
}

// RunOptions control Run.
type RunOptions struct {
	// ResumeRunID continues an existing run from its persisted batches,
	// skipping ingest and batch.
	ResumeRunID string
	// SampleLimit caps the error samples in the summary.
	SampleLimit int
	// OnPhase, when set, is called before each phase with the report so far.
	OnPhase func(phase string, sofar RunReport)
}

func (o RunOptions) phase(name string, sofar RunReport) {
	if o.OnPhase != nil {
		o.OnPhase(name, sofar)
	}
}

// Run executes ingest, batch, process and store in order. When process is
// cancelled the store phase is skipped and the run can be resumed with its
// run ID.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (RunReport, error) {
	var rep RunReport
	e.logger.Info("Starting pipeline run.")

	if opts.ResumeRunID != "" {
		run, err := e.ledger.GetRun(ctx, opts.ResumeRunID)
		if err != nil {
			return rep, err
		}
		rep.RunID = run.RunID
		e.logger.Info("Phase 1-2: Resuming run, skipping ingest and batch.", slog.String("run_id", run.RunID))
	} else {
		e.logger.Info("Phase 1: Ingesting new files...")
		opts.phase(PhaseIngest, rep)
		ingest, err := e.Ingest(ctx)
		rep.Ingest = ingest
		if err != nil {
			return rep, err
		}

		run, err := e.StartRun(ctx)
		if err != nil {
			return rep, err
		}
		rep.RunID = run.RunID

		e.logger.Info("Phase 2: Grouping and batching file sets...", slog.String("run_id", run.RunID))
		opts.phase(PhaseBatch, rep)
		batch, err := e.Batch(ctx, run.RunID)
		rep.Batch = batch
		if err != nil {
			return rep, err
		}
	}

	e.logger.Info("Phase 3: Processing batches...", slog.String("run_id", rep.RunID))
	opts.phase(PhaseProcess, rep)
	proc, err := e.ProcessAll(ctx, rep.RunID)
	rep.Process = proc
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("Run cancelled during processing, store skipped. Resume with the run ID.",
				slog.String("run_id", rep.RunID), slog.Int("remaining_sets", proc.RemainingSets))
		}
		return rep, err
	}

	e.logger.Info("Phase 4: Moving files to store and quarantine...", slog.String("run_id", rep.RunID))
	opts.phase(PhaseStore, rep)
	store, err := e.Store(ctx, rep.RunID)
	rep.Store = store
	if err != nil {
		return rep, err
	}

	summary, err := e.Summarize(ctx, rep.RunID, opts.SampleLimit)
	if err != nil {
		return rep, fmt.Errorf("summarise run %s: %w", rep.RunID, err)
	}
	rep.Summary = summary
	succeeded, failed := summary.Totals()
	e.logger.Info("Pipeline run finished.",
		slog.String("run_id", rep.RunID),
		slog.Int("files_succeeded", succeeded),
		slog.Int("files_failed", failed),
		summary.LogAttr(),
	)
	return rep, nil
}
