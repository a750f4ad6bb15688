package cmd

import (
	"context"
	"fmt"

	"github.com/brensch/stagehand/internal/config"
	"github.com/brensch/stagehand/internal/dispatch"
	"github.com/brensch/stagehand/internal/engine"
	"github.com/brensch/stagehand/internal/filestate"
	"github.com/brensch/stagehand/internal/processor"
	"github.com/brensch/stagehand/internal/sink"
	"github.com/brensch/stagehand/internal/sink/duckdb"
	"github.com/brensch/stagehand/internal/sink/postgres"
)

// openSink connects the configured sink. An empty DuckDB DSN shares the
// ledger database.
func openSink(ctx context.Context) (sink.Sink, error) {
	switch appConfig.Sink.Driver {
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			DSN:      appConfig.Sink.DSN,
			MaxConns: appConfig.Sink.MaxConns,
		}, rootLogger, tracer)
	case "duckdb", "":
		if appConfig.Sink.DSN == "" {
			return duckdb.New(dbConn, rootLogger, tracer), nil
		}
		return duckdb.Open(ctx, appConfig.Sink.DSN, rootLogger, tracer)
	default:
		return nil, fmt.Errorf("unknown sink driver %q", appConfig.Sink.Driver)
	}
}

func newProcessor() dispatch.Processor {
	tables := make(map[string]processor.Table, len(appPipeline.Processor.Tables))
	for fileType, t := range appPipeline.Processor.Tables {
		tables[fileType] = processor.Table{
			Name:            appPipeline.TableName(fileType),
			ConflictColumns: t.ConflictColumns,
			RecordsKey:      t.RecordsKey,
			Format:          t.Format,
			Section:         t.Section,
		}
	}
	return processor.New(newDirectories(), tables, rootLogger)
}

func newDirectories() filestate.Directories {
	return filestate.NewDirectories(appConfig.DataDir, appPipeline.Name)
}

// newEngine builds an engine for the loaded pipeline. withProcess also wires
// the sink and processor; the returned close releases the sink.
func newEngine(ctx context.Context, withProcess bool, observer dispatch.Observer) (*engine.Engine, func(), error) {
	deps := engine.Deps{
		Ledger:   appLedger,
		Logger:   rootLogger,
		Metrics:  appMetrics,
		Tracer:   tracer,
		Observer: observer,
	}
	closeSink := func() {}
	if withProcess {
		s, err := openSink(ctx)
		if err != nil {
			return nil, nil, err
		}
		closeSink = func() {
			if err := s.Close(); err != nil {
				rootLogger.Error("Failed to close sink.", "error", err)
			}
		}
		deps.Sink = s
		deps.Processor = newProcessor()
	}

	settings := config.Resolve(appConfig, appPipeline)
	rootLogger.Debug("Effective settings resolved.",
		"workers", settings.Workers,
		"min_file_sets_in_batch", settings.MinFileSetsInBatch,
		"file_set_timeout", settings.FileSetTimeout,
	)
	e, err := engine.New(appPipeline, settings, appConfig.DataDir, deps)
	if err != nil {
		closeSink()
		return nil, nil, err
	}
	return e, closeSink, nil
}
