package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/brensch/stagehand/internal/config"
	"github.com/brensch/stagehand/internal/ledger"
	"github.com/brensch/stagehand/internal/metrics"
	"github.com/brensch/stagehand/internal/telemetry"
)

// skipLedger marks commands that never touch the ledger database.
const skipLedger = "skip-ledger"

var (
	cfgFile string
	v       = viper.New()

	// Global instances populated in PersistentPreRunE
	rootLogger      *slog.Logger
	logFile         io.Closer
	dbConn          *sql.DB
	appConfig       config.Config
	appPipeline     config.Pipeline
	appLedger       *ledger.Ledger
	appMetrics      *metrics.Pipeline
	tracer          trace.Tracer
	shutdownTracing = func(context.Context) {}
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Move files through ingest, process, store and quarantine in batches.",
	Long: `Stagehand runs a pipeline over a directory of files. Files are classified
on ingest, grouped into file sets by a unit key, processed concurrently in
batches into a database sink and finally moved to store or quarantine.

Every outcome is recorded in a DuckDB ledger, so any phase can be re-run and
an interrupted run resumed. The primary command is 'run'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		appConfig, err = config.Load(v, cfgFile)
		if err != nil {
			return err
		}

		// A TUI owns the terminal, so its logs go to a file.
		logCfg := appConfig.Log
		if tui, _ := cmd.Flags().GetBool("tui"); tui && (logCfg.Output == "stderr" || logCfg.Output == "stdout") {
			logCfg.Output = "stagehand.log"
		}
		if rootLogger, logFile, err = newLogger(logCfg); err != nil {
			return err
		}
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Configuration loaded.", slog.Any("config", appConfig))

		appPipeline, err = config.LoadPipeline(appConfig.PipelineFile)
		if err != nil {
			return err
		}
		rootLogger = rootLogger.With(slog.String("pipeline", appPipeline.Name))

		tp, cleanup, err := telemetry.Init(rootLogger, telemetry.Config{
			ServiceName:      "stagehand",
			ExporterEndpoint: appConfig.OTLPEndpoint,
			Pipeline:         appPipeline.Name,
		})
		if err != nil {
			return err
		}
		tracer = tp.Tracer("github.com/brensch/stagehand")
		shutdownTracing = cleanup
		appMetrics = metrics.New(appPipeline.Name)

		if cmd.Annotations[skipLedger] == "true" {
			return nil
		}
		return openLedger(cmd.Context())
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		closeAll()
		return nil
	},
}

func newLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer, nil
}

func openLedger(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	path := appConfig.DbPath
	if path == ":memory:" {
		path = ""
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory for %s: %w", path, err)
		}
	}

	rootLogger.Debug("Opening ledger database.", "path", appConfig.DbPath)
	var err error
	dbConn, err = sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb database (%s): %w", appConfig.DbPath, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbConn.PingContext(pingCtx); err != nil {
		dbConn.Close()
		dbConn = nil
		return fmt.Errorf("failed to ping duckdb database (%s): %w", appConfig.DbPath, err)
	}

	appLedger = ledger.New(dbConn, rootLogger)
	if err := appLedger.InitializeSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return nil
}

// closeAll flushes metrics and traces and releases the database and log file.
// It runs after every command, including failed ones.
func closeAll() {
	if appMetrics != nil && appConfig.MetricsFile != "" {
		if err := appMetrics.WriteTextfile(appConfig.MetricsFile); err != nil {
			rootLogger.Error("Failed to write metrics.", "error", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownTracing(ctx)

	if dbConn != nil {
		if err := dbConn.Close(); err != nil {
			rootLogger.Error("Failed to close DuckDB connection cleanly.", "error", err)
		}
		dbConn = nil
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ingestCmd, batchCmd, processCmd, storeCmd)
	rootCmd.AddCommand(stateCmd, runsCmd, reportCmd, statusCmd, inspectCmd, exportCmd, saveCmd)
	rootCmd.AddCommand(workerCmd, submitCmd)

	if err := rootCmd.Execute(); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed.", "error", err)
			closeAll()
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.StringP("data-dir", "D", "./data", "Root of the per-pipeline state directories")
	flags.StringP("db-path", "d", "./stagehand.duckdb", "Path to the DuckDB ledger (:memory: for in-memory)")
	flags.StringP("pipeline", "p", "./pipeline.yaml", "Pipeline definition file")
	flags.IntP("workers", "w", 0, "Concurrent process workers (0 uses max_process_tasks)")
	flags.Int("min-file-sets-in-batch", 0, "Minimum file sets per batch (0 uses the pipeline value)")
	flags.Bool("single-set-batches", false, "Put every file set in its own batch")
	flags.Duration("file-set-timeout", 0, "Time limit per file set (0 uses the pipeline value)")
	flags.String("metrics-file", "", "Write Prometheus metrics to this textfile on exit")
	flags.String("otlp-endpoint", "", "OTLP gRPC endpoint for traces (empty disables tracing)")
	flags.String("sink-driver", "duckdb", "Sink database (duckdb or postgres)")
	flags.String("sink-dsn", "", "Sink DuckDB path or Postgres connection string")
	flags.String("log-format", "text", "Log output format (text or json)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-output", "stderr", "Log output destination (stderr, stdout, or file path)")
	flags.String("temporal-address", "localhost:7233", "Temporal frontend address")
	flags.String("temporal-namespace", "default", "Temporal namespace")
	flags.String("temporal-task-queue", "stagehand", "Temporal task queue")

	for key, flag := range map[string]string{
		"data_dir":               "data-dir",
		"db_path":                "db-path",
		"pipeline":               "pipeline",
		"workers":                "workers",
		"min_file_sets_in_batch": "min-file-sets-in-batch",
		"single_set_batches":     "single-set-batches",
		"file_set_timeout":       "file-set-timeout",
		"metrics_file":           "metrics-file",
		"otlp_endpoint":          "otlp-endpoint",
		"sink.driver":            "sink-driver",
		"sink.dsn":               "sink-dsn",
		"log.format":             "log-format",
		"log.level":              "log-level",
		"log.output":             "log-output",
		"temporal.address":       "temporal-address",
		"temporal.namespace":     "temporal-namespace",
		"temporal.task_queue":    "temporal-task-queue",
	} {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(flag)))
	}
	config.SetDefaults(v)

	rootCmd.Version = "0.3.0"
}
