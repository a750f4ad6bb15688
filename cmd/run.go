package cmd

import (
	"fmt"
	"io"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/brensch/stagehand/internal/app"
	"github.com/brensch/stagehand/internal/engine"
)

var (
	runResumeID   string
	runTUI        bool
	runSampleSize int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ingest, batch, process and store in order",
	Long: `Performs the complete pipeline:
1. Moves recognised files from ingest to process (or straight to store).
2. Groups files in process into file sets and partitions them into batches.
3. Processes the batches concurrently, recording every outcome in the ledger.
4. Moves processed files to store or quarantine.
If processing is interrupted the store phase is skipped. Continue the run
with --run-id; file sets that already succeeded are not processed again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		opts := engine.RunOptions{ResumeRunID: runResumeID, SampleLimit: runSampleSize}
		if !runTUI {
			e, closeEngine, err := newEngine(ctx, true, nil)
			if err != nil {
				return err
			}
			defer closeEngine()
			rep, err := e.Run(ctx, opts)
			printRunReport(cmd.OutOrStdout(), rep)
			if err != nil {
				return fmt.Errorf("run %s failed: %w", rep.RunID, err)
			}
			return nil
		}

		bridge := app.NewBridge(256)
		e, closeEngine, err := newEngine(ctx, true, bridge.Observe)
		if err != nil {
			return err
		}
		defer closeEngine()
		opts.OnPhase = bridge.OnPhase

		type result struct {
			rep engine.RunReport
			err error
		}
		done := make(chan result, 1)
		go func() {
			rep, err := e.Run(ctx, opts)
			bridge.Finish(rep, err)
			done <- result{rep, err}
		}()

		model := app.New(appPipeline.Name, bridge.Messages(), cancel)
		_, uiErr := tea.NewProgram(model, tea.WithAltScreen()).Run()
		bridge.Stop()
		if n := bridge.Dropped(); n > 0 {
			rootLogger.Debug("Terminal UI fell behind, worker events dropped.", slog.Int64("dropped", n))
		}
		if uiErr != nil {
			rootLogger.Error("Terminal UI failed, cancelling run.", "error", uiErr)
			cancel()
		}
		res := <-done
		printRunReport(cmd.OutOrStdout(), res.rep)
		if res.err != nil {
			return fmt.Errorf("run %s failed: %w", res.rep.RunID, res.err)
		}
		return uiErr
	},
}

func printRunReport(w io.Writer, rep engine.RunReport) {
	if rep.RunID == "" {
		return
	}
	fmt.Fprintf(w, "Run %s\n", rep.RunID)
	fmt.Fprintf(w, "  ingest:  %d to process, %d to store, %d unrecognized\n",
		rep.Ingest.ToProcess, rep.Ingest.ToStore, len(rep.Ingest.Unrecognized))
	fmt.Fprintf(w, "  batch:   %d file sets in %d batches, %d deferred\n",
		rep.Batch.FileSets, len(rep.Batch.Sizes), rep.Batch.Deferred)
	fmt.Fprintf(w, "  process: %d files succeeded, %d failed, %d timed out, %d sets remaining\n",
		rep.Process.Succeeded, rep.Process.Failed, rep.Process.TimedOut, rep.Process.RemainingSets)
	fmt.Fprintf(w, "  store:   %d stored, %d quarantined, %d skipped\n",
		rep.Store.Stored, rep.Store.Quarantined, rep.Store.Skipped)
	rep.Summary.Print(w)
}

func init() {
	runCmd.Flags().StringVar(&runResumeID, "run-id", "", "Resume this run from its persisted batches")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show a live terminal view of the run")
	runCmd.Flags().IntVar(&runSampleSize, "error-samples", 10, "Number of failed files listed in the summary")
}
