package temporal

import (
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/brensch/stagehand/internal/dispatch"
	"github.com/brensch/stagehand/internal/engine"
	"github.com/brensch/stagehand/internal/ledger"
)

const PipelineRunWorkflow = "pipelineRun"

var phaseActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 30 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
		MaximumAttempts:    3,
	},
}

var processActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 12 * time.Hour,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:    5 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    3,
	},
}

// PipelineRunInput is the input for PipelineRunWorkflowFunc.
type PipelineRunInput struct {
	// ResumeRunID skips ingest and batch and processes the batches already
	// persisted for that run.
	ResumeRunID string `json:"resumeRunId,omitempty"`
	SampleLimit int    `json:"sampleLimit,omitempty"`
}

// PipelineRunResult is the output of PipelineRunWorkflowFunc.
type PipelineRunResult struct {
	RunID        string             `json:"runId"`
	Unrecognized []string           `json:"unrecognized,omitempty"`
	Batches      int                `json:"batches"`
	Process      dispatch.Report    `json:"process"`
	Store        engine.StoreReport `json:"store"`
	Summary      ledger.Summary     `json:"summary"`
}

// PipelineRunWorkflowFunc runs ingest, batch, process and store. Batches are
// processed concurrently, bounded by the worker's activity slots. Store runs
// only when every batch activity succeeded.
func PipelineRunWorkflowFunc(ctx workflow.Context, in PipelineRunInput) (PipelineRunResult, error) {
	logger := workflow.GetLogger(ctx)
	actCtx := workflow.WithActivityOptions(ctx, phaseActivityOptions)
	procCtx := workflow.WithActivityOptions(ctx, processActivityOptions)

	var a *Activities
	var res PipelineRunResult

	res.RunID = in.ResumeRunID
	if res.RunID == "" {
		var ingest engine.IngestReport
		if err := workflow.ExecuteActivity(actCtx, a.Ingest).Get(ctx, &ingest); err != nil {
			return res, fmt.Errorf("ingest: %w", err)
		}
		res.Unrecognized = ingest.Unrecognized

		if err := workflow.ExecuteActivity(actCtx, a.StartRun).Get(ctx, &res.RunID); err != nil {
			return res, fmt.Errorf("start run: %w", err)
		}

		var batch engine.BatchReport
		if err := workflow.ExecuteActivity(actCtx, a.Batch, res.RunID).Get(ctx, &batch); err != nil {
			return res, fmt.Errorf("batch: %w", err)
		}
		res.Batches = len(batch.Sizes)
	} else {
		if err := workflow.ExecuteActivity(actCtx, a.BatchCount, res.RunID).Get(ctx, &res.Batches); err != nil {
			return res, fmt.Errorf("resume run %s: %w", res.RunID, err)
		}
	}
	logger.Info("Batches ready.", "run_id", res.RunID, "batches", res.Batches)

	futures := make([]workflow.Future, res.Batches)
	for i := range futures {
		futures[i] = workflow.ExecuteActivity(procCtx, a.ProcessBatch, ProcessBatchInput{RunID: res.RunID, Index: i})
	}
	var procErrs []error
	for i, f := range futures {
		var rep dispatch.Report
		if err := f.Get(ctx, &rep); err != nil {
			procErrs = append(procErrs, fmt.Errorf("batch %d: %w", i, err))
			continue
		}
		res.Process.Batches++
		res.Process.FileSets += rep.FileSets
		res.Process.SkippedSets += rep.SkippedSets
		res.Process.RemainingSets += rep.RemainingSets
		res.Process.Succeeded += rep.Succeeded
		res.Process.Failed += rep.Failed
		res.Process.TimedOut += rep.TimedOut
	}
	if len(procErrs) > 0 {
		logger.Warn("Process failed, store skipped.", "run_id", res.RunID, "failed_batches", len(procErrs))
		return res, errors.Join(procErrs...)
	}

	if err := workflow.ExecuteActivity(actCtx, a.Store, res.RunID).Get(ctx, &res.Store); err != nil {
		return res, fmt.Errorf("store: %w", err)
	}
	if err := workflow.ExecuteActivity(actCtx, a.Summarize, SummarizeInput{RunID: res.RunID, SampleLimit: in.SampleLimit}).Get(ctx, &res.Summary); err != nil {
		return res, fmt.Errorf("summarise: %w", err)
	}
	logger.Info("Pipeline run finished.", "run_id", res.RunID, "stored", res.Store.Stored, "quarantined", res.Store.Quarantined)
	return res, nil
}

// StartOptions are the workflow options used by submit. The workflow ID is
// fixed per pipeline so two runs of the same pipeline never overlap.
func StartOptions(pipeline, taskQueue string) client.StartWorkflowOptions {
	return client.StartWorkflowOptions{
		ID:                       "stagehand-" + pipeline,
		TaskQueue:                taskQueue,
		WorkflowExecutionTimeout: 24 * time.Hour,
	}
}
