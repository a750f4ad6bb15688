package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	stateLimit   int
	stateRunID   string
	stateOutcome string
	runsLimit    int
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "View the recorded processing results, newest first",
	Long: `Queries the ledger and prints recent per-file results. Filter by run with
--run-id and by outcome with --outcome (success or failure).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rootLogger.Debug("Querying result history.", "run_id", stateRunID, "outcome", stateOutcome, "limit", stateLimit)
		return appLedger.DisplayHistory(cmd.Context(), cmd.OutOrStdout(), stateRunID, stateOutcome, stateLimit)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		runs, err := appLedger.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-36s | %-20s | %-25s | %s\n", "Run", "Pipeline", "Started (UTC)", "Batches")
		for _, r := range runs {
			n, err := appLedger.BatchCount(cmd.Context(), r.RunID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%-36s | %-20s | %-25s | %d\n", r.RunID, r.Pipeline, r.StartedAt.UTC().Format(time.RFC3339), n)
		}
		return nil
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of results displayed")
	stateCmd.Flags().StringVar(&stateRunID, "run-id", "", "Only show results of this run")
	stateCmd.Flags().StringVarP(&stateOutcome, "outcome", "o", "", "Filter by outcome (success or failure)")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Limit the number of runs listed")
}
