package cmd

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/brensch/stagehand/internal/analyser"
	"github.com/brensch/stagehand/internal/config"
	"github.com/brensch/stagehand/internal/export"
	"github.com/brensch/stagehand/internal/filestate"
	"github.com/brensch/stagehand/internal/inspector"
	"github.com/brensch/stagehand/internal/saver"
)

var (
	reportRunID      string
	reportSamples    int
	exportRunID      string
	exportPath       string
	exportAllResults bool
	saveDir          string
	saveTables       []string
)

var statusCmd = &cobra.Command{
	Use:         "status",
	Short:       "Count the files in each state directory by file type",
	Annotations: map[string]string{skipLedger: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := appPipeline.Classifier()
		if err != nil {
			return err
		}
		dirs := newDirectories()
		if err := dirs.Check(filestate.AllStates...); err != nil {
			return err
		}
		counts, err := inspector.Collect(dirs, c)
		if err != nil {
			return err
		}
		inspector.RenderStatus(cmd.OutOrStdout(), appPipeline.Name, c.Types(), counts)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Analyse the ledger of a run: outcomes, error kinds, retries and moves",
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := resolveRunID(cmd.Context(), reportRunID)
		if err != nil {
			return err
		}
		a, err := analyser.Analyse(cmd.Context(), appLedger, runID, reportSamples)
		if err != nil {
			return err
		}
		a.Print(cmd.OutOrStdout())
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the ledger results of a run to a Parquet file",
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := resolveRunID(cmd.Context(), exportRunID)
		if err != nil {
			return err
		}
		path := exportPath
		if path == "" {
			path = fmt.Sprintf("results_%s.parquet", runID)
		}
		n, err := export.Run(cmd.Context(), appLedger, rootLogger, runID, path, !exportAllResults)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d results to %s.\n", n, path)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:         "inspect <file.parquet>",
	Short:       "Show the schema and per file type statistics of an exported results file",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{skipLedger: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sql.Open("duckdb", "")
		if err != nil {
			return fmt.Errorf("failed to open in-memory duckdb: %w", err)
		}
		defer db.Close()
		return inspector.InspectExport(cmd.Context(), db, rootLogger, args[0], cmd.OutOrStdout())
	},
}

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save DuckDB sink tables to Parquet files",
	Long: `Copies sink tables to <dir>/<table>.parquet. Without --table every table
except the ledger's own is saved. Only the duckdb sink is supported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if appConfig.Sink.Driver != "duckdb" {
			return fmt.Errorf("save supports the duckdb sink only, configured %q", appConfig.Sink.Driver)
		}
		db := dbConn
		if appConfig.Sink.DSN != "" {
			var err error
			if db, err = sql.Open("duckdb", appConfig.Sink.DSN); err != nil {
				return fmt.Errorf("failed to open sink database %s: %w", appConfig.Sink.DSN, err)
			}
			defer db.Close()
		}
		dir := saveDir
		if dir == "" {
			dir = filepath.Join(appConfig.DataDir, appPipeline.Name, "parquet")
		}
		saved, err := saver.SaveTables(cmd.Context(), db, rootLogger, dir, saveTables, config.Resolve(appConfig, appPipeline).Workers)
		for _, p := range saved {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return err
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportRunID, "run-id", "", "Run to analyse (default: latest run)")
	reportCmd.Flags().IntVar(&reportSamples, "error-samples", 10, "Number of failed files to list")
	exportCmd.Flags().StringVar(&exportRunID, "run-id", "", "Run to export (default: latest run)")
	exportCmd.Flags().StringVarP(&exportPath, "output", "o", "", "Output file (default: results_<run>.parquet)")
	exportCmd.Flags().BoolVar(&exportAllResults, "all-attempts", false, "Export every attempt instead of the latest result per file")
	saveCmd.Flags().StringVar(&saveDir, "dir", "", "Output directory (default: <data-dir>/<pipeline>/parquet)")
	saveCmd.Flags().StringSliceVar(&saveTables, "table", nil, "Table to save (repeatable)")
}
