package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brensch/stagehand/internal/dispatch"
)

var (
	phaseRunID string
	batchIndex int
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// resolveRunID falls back to the latest run of the pipeline.
func resolveRunID(ctx context.Context, runID string) (string, error) {
	if runID != "" {
		return runID, nil
	}
	run, err := appLedger.LatestRun(ctx, appPipeline.Name)
	if err != nil {
		return "", fmt.Errorf("no --run-id given and no previous run found: %w", err)
	}
	rootLogger.Info("Using latest run.", "run_id", run.RunID, "started_at", run.StartedAt)
	return run.RunID, nil
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Classify files in ingest and move them to process or store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		e, closeEngine, err := newEngine(ctx, false, nil)
		if err != nil {
			return err
		}
		defer closeEngine()

		rep, err := e.Ingest(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ingested: %d to process, %d to store, %d unrecognized.\n",
			rep.ToProcess, rep.ToStore, len(rep.Unrecognized))
		for _, name := range rep.Unrecognized {
			fmt.Fprintf(cmd.OutOrStdout(), "  unrecognized: %s\n", name)
		}
		return nil
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Group files in process into file sets and persist the batches of a run",
	Long: `Groups every file in the process directory into file sets by unit key,
keeps the sets that carry all required file types and partitions them into
batches. Without --run-id a new run is started.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		e, closeEngine, err := newEngine(ctx, false, nil)
		if err != nil {
			return err
		}
		defer closeEngine()

		runID := phaseRunID
		if runID == "" {
			run, err := e.StartRun(ctx)
			if err != nil {
				return err
			}
			runID = run.RunID
		}
		rep, err := e.Batch(ctx, runID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d file sets in %d batches %v, %d deferred, %d key errors.\n",
			runID, rep.FileSets, len(rep.Sizes), rep.Sizes, rep.Deferred, len(rep.KeyErrors))
		return nil
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process the batches of a run",
	Long: `Processes one batch (--batch) or every batch of a run concurrently.
File sets already processed successfully in the run are skipped, so a
failed or interrupted process can simply be repeated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		e, closeEngine, err := newEngine(ctx, true, nil)
		if err != nil {
			return err
		}
		defer closeEngine()

		runID, err := resolveRunID(ctx, phaseRunID)
		if err != nil {
			return err
		}
		var p dispatch.Report
		if batchIndex >= 0 {
			p, err = e.Process(ctx, runID, batchIndex)
		} else {
			p, err = e.ProcessAll(ctx, runID)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d batches, %d file sets (%d skipped, %d remaining), %d files succeeded, %d failed, %d timed out.\n",
			runID, p.Batches, p.FileSets, p.SkippedSets, p.RemainingSets, p.Succeeded, p.Failed, p.TimedOut)
		return err
	},
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Move processed files of a run to store or quarantine",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		e, closeEngine, err := newEngine(ctx, false, nil)
		if err != nil {
			return err
		}
		defer closeEngine()

		runID, err := resolveRunID(ctx, phaseRunID)
		if err != nil {
			return err
		}
		rep, err := e.Store(ctx, runID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d stored, %d quarantined, %d skipped.\n",
			runID, rep.Stored, rep.Quarantined, rep.Skipped)
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&phaseRunID, "run-id", "", "Existing run to batch (default: start a new run)")
	for _, c := range []*cobra.Command{processCmd, storeCmd} {
		c.Flags().StringVar(&phaseRunID, "run-id", "", "Run to operate on (default: latest run)")
	}
	processCmd.Flags().IntVarP(&batchIndex, "batch", "b", -1, "Process only this batch index (-1 processes all)")
}
