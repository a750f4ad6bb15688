// Package engine drives the four phases of a pipeline run: ingest, batch,
// process and store. Each phase can be invoked on its own and is idempotent
// with respect to files that already moved.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brensch/stagehand/internal/batcher"
	"github.com/brensch/stagehand/internal/classify"
	"github.com/brensch/stagehand/internal/config"
	"github.com/brensch/stagehand/internal/dispatch"
	"github.com/brensch/stagehand/internal/filestate"
	"github.com/brensch/stagehand/internal/fileset"
	"github.com/brensch/stagehand/internal/ledger"
	"github.com/brensch/stagehand/internal/metrics"
	"github.com/brensch/stagehand/internal/sink"
	"github.com/brensch/stagehand/internal/telemetry"
)

// Deps are the collaborators shared by every phase. Metrics, Tracer and
// Observer are optional.
type Deps struct {
	Ledger    *ledger.Ledger
	Sink      sink.Sink
	Processor dispatch.Processor
	Logger    *slog.Logger
	Metrics   metrics.PipelineMetrics
	Tracer    trace.Tracer
	Observer  dispatch.Observer
}

// Engine runs the phases of one pipeline.
type Engine struct {
	pipeline   config.Pipeline
	settings   config.Effective
	dirs       filestate.Directories
	classifier *classify.Classifier
	keyRule    fileset.KeyRule
	elig       fileset.Eligibility
	ledger     *ledger.Ledger
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	metrics    metrics.PipelineMetrics
	tracer     trace.Tracer
}

// New compiles the pipeline definition and wires the dispatcher.
func New(p config.Pipeline, settings config.Effective, dataDir string, deps Deps) (*Engine, error) {
	if deps.Ledger == nil || deps.Logger == nil {
		return nil, errors.New("engine needs a ledger and a logger")
	}
	classifier, err := p.Classifier()
	if err != nil {
		return nil, err
	}
	keyRule, err := p.KeyRule()
	if err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NoopTracer()
	}

	e := &Engine{
		pipeline:   p,
		settings:   settings,
		dirs:       filestate.NewDirectories(dataDir, p.Name),
		classifier: classifier,
		keyRule:    keyRule,
		elig:       p.Eligibility(),
		ledger:     deps.Ledger,
		logger:     deps.Logger.With(slog.String("pipeline", p.Name)),
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
	}

	// The dispatcher is only needed by process; ingest and store run without
	// a processor or sink.
	if deps.Processor != nil && deps.Sink != nil {
		e.dispatcher, err = dispatch.New(dispatch.Config{
			MaxWorkers:     settings.Workers,
			FileSetTimeout: settings.FileSetTimeout,
		}, dispatch.Deps{
			Processor: deps.Processor,
			Sink:      deps.Sink,
			Ledger:    deps.Ledger,
			Logger:    e.logger,
			Metrics:   deps.Metrics,
			Tracer:    deps.Tracer,
			Observer:  deps.Observer,
		})
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) Directories() filestate.Directories { return e.dirs }

func (e *Engine) Classifier() *classify.Classifier { return e.classifier }

// phase wraps f with a span and the phase metrics.
func (e *Engine) phase(ctx context.Context, name, runID string, f func(ctx context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(
		attribute.String("pipeline", e.pipeline.Name),
		attribute.String("run_id", runID),
	))
	defer span.End()

	err := e.metrics.TrackPhase(name, func() error { return f(ctx) })
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// IngestReport lists where ingested files went.
type IngestReport struct {
	ToProcess    int
	ToStore      int
	Unrecognized []string
}

// Ingest classifies every file in the ingest directory and moves it to
// process, or straight to store for pass-through types. Unrecognized files
// are reported and left in place. A failed move aborts the phase.
func (e *Engine) Ingest(ctx context.Context) (IngestReport, error) {
	var rep IngestReport
	err := e.phase(ctx, PhaseIngest, "", func(ctx context.Context) error {
		if err := e.dirs.Ensure(e.logger); err != nil {
			return err
		}
		names, err := e.dirs.List(filestate.Ingest)
		if err != nil {
			return err
		}
		e.logger.Info("Ingesting files.", slog.Int("files", len(names)))

		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return err
			}
			ft, err := e.classifier.Classify(name)
			if err != nil {
				var unrec *classify.UnrecognizedFileError
				if !errors.As(err, &unrec) {
					return err
				}
				e.logger.Warn("Unrecognized file left in ingest.", slog.String("file", name))
				e.metrics.IncUnrecognizedFiles()
				rep.Unrecognized = append(rep.Unrecognized, name)
				continue
			}

			to := filestate.Process
			if ft.PassThrough {
				to = filestate.Store
			}
			if err := e.dirs.Move(name, filestate.Ingest, to); err != nil {
				return err
			}
			e.metrics.IncFilesIngested(ft.Name, string(to))
			if ft.PassThrough {
				rep.ToStore++
			} else {
				rep.ToProcess++
			}
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("ingest: %w", err)
	}
	e.logger.Info("Ingest finished.",
		slog.Int("to_process", rep.ToProcess),
		slog.Int("to_store", rep.ToStore),
		slog.Int("unrecognized", len(rep.Unrecognized)),
	)
	return rep, nil
}

// StartRun registers a new run in the ledger.
func (e *Engine) StartRun(ctx context.Context) (ledger.Run, error) {
	run := ledger.Run{RunID: uuid.NewString(), Pipeline: e.pipeline.Name, StartedAt: time.Now().UTC()}
	if err := e.ledger.CreateRun(ctx, run); err != nil {
		return ledger.Run{}, err
	}
	e.logger.Info("Run started.", slog.String("run_id", run.RunID))
	return run, nil
}

// BatchReport describes the batches persisted for a run.
type BatchReport struct {
	FileSets  int
	Deferred  int
	KeyErrors []string
	// Sizes holds the number of file sets in each batch, by batch index.
	Sizes []int
}

// Batch groups the files currently in process into file sets, partitions the
// eligible sets into batches and stores their manifests under runID.
func (e *Engine) Batch(ctx context.Context, runID string) (BatchReport, error) {
	var rep BatchReport
	err := e.phase(ctx, PhaseBatch, runID, func(ctx context.Context) error {
		if _, err := e.ledger.GetRun(ctx, runID); err != nil {
			return err
		}
		names, err := e.dirs.List(filestate.Process)
		if err != nil {
			return err
		}

		files := make([]fileset.ManagedFile, 0, len(names))
		for _, name := range names {
			ft, err := e.classifier.Classify(name)
			if err != nil {
				e.logger.Warn("Unrecognized file in process, leaving it out of batching.", slog.String("file", name))
				continue
			}
			files = append(files, fileset.ManagedFile{Name: name, Type: ft, State: filestate.Process})
		}

		grouped := fileset.Group(files, e.keyRule, e.elig)
		for _, kerr := range grouped.KeyErrors {
			e.logger.Warn("Could not extract unit key, file excluded.", slog.String("file", kerr.Name))
			rep.KeyErrors = append(rep.KeyErrors, kerr.Name)
		}
		rep.FileSets = len(grouped.Sets)
		rep.Deferred = len(grouped.Deferred)
		e.metrics.SetFileSets(rep.FileSets, rep.Deferred, len(rep.KeyErrors))

		batches, err := batcher.MakeBatches(grouped.Sets, e.settings.Workers, e.settings.MinFileSetsInBatch)
		if err != nil {
			return err
		}
		manifests := make([][]byte, 0, len(batches))
		for _, b := range batches {
			m, err := batcher.EncodeManifest(b)
			if err != nil {
				return fmt.Errorf("encode batch %d: %w", b.Index, err)
			}
			manifests = append(manifests, m)
			rep.Sizes = append(rep.Sizes, len(b.FileSets))
		}
		if err := e.ledger.SaveBatches(ctx, runID, manifests); err != nil {
			return err
		}
		e.metrics.SetBatches(len(batches))
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("batch run %s: %w", runID, err)
	}
	e.logger.Info("Batching finished.",
		slog.String("run_id", runID),
		slog.Int("file_sets", rep.FileSets),
		slog.Int("deferred", rep.Deferred),
		slog.Int("key_errors", len(rep.KeyErrors)),
		slog.Any("batch_sizes", rep.Sizes),
	)
	return rep, nil
}

func (e *Engine) loadBatch(ctx context.Context, runID string, index int) (batcher.Batch, error) {
	data, err := e.ledger.LoadBatch(ctx, runID, index)
	if err != nil {
		return batcher.Batch{}, err
	}
	return batcher.DecodeManifest(data, e.classifier)
}

// BatchCount returns how many batches were persisted for runID.
func (e *Engine) BatchCount(ctx context.Context, runID string) (int, error) {
	if _, err := e.ledger.GetRun(ctx, runID); err != nil {
		return 0, err
	}
	return e.ledger.BatchCount(ctx, runID)
}

func (e *Engine) requireDispatcher() error {
	if e.dispatcher == nil {
		return errors.New("engine was built without a processor and sink")
	}
	return nil
}

// Process runs a single persisted batch of runID.
func (e *Engine) Process(ctx context.Context, runID string, index int) (dispatch.Report, error) {
	var rep dispatch.Report
	err := e.phase(ctx, PhaseProcess, runID, func(ctx context.Context) error {
		if err := e.requireDispatcher(); err != nil {
			return err
		}
		b, err := e.loadBatch(ctx, runID, index)
		if err != nil {
			return err
		}
		rep, err = e.dispatcher.ProcessBatches(ctx, runID, []batcher.Batch{b})
		return err
	})
	if err != nil {
		return rep, fmt.Errorf("process batch %d of run %s: %w", index, runID, err)
	}
	return rep, nil
}

// ProcessAll runs every persisted batch of runID on the worker pool.
func (e *Engine) ProcessAll(ctx context.Context, runID string) (dispatch.Report, error) {
	var rep dispatch.Report
	err := e.phase(ctx, PhaseProcess, runID, func(ctx context.Context) error {
		if err := e.requireDispatcher(); err != nil {
			return err
		}
		n, err := e.ledger.BatchCount(ctx, runID)
		if err != nil {
			return err
		}
		batches := make([]batcher.Batch, 0, n)
		for i := 0; i < n; i++ {
			b, err := e.loadBatch(ctx, runID, i)
			if err != nil {
				return err
			}
			batches = append(batches, b)
		}
		rep, err = e.dispatcher.ProcessBatches(ctx, runID, batches)
		return err
	})
	if err != nil {
		return rep, fmt.Errorf("process run %s: %w", runID, err)
	}
	return rep, nil
}

// StoreReport counts terminal moves.
type StoreReport struct {
	Stored      int
	Quarantined int
	Skipped     int
}

// Store moves every file with a ledger result in runID out of process: to
// store when its latest result succeeded, to quarantine otherwise. Files no
// longer in process are skipped, so the phase can be re-run. Files without a
// result are not touched. A failed move aborts the phase.
func (e *Engine) Store(ctx context.Context, runID string) (StoreReport, error) {
	var rep StoreReport
	err := e.phase(ctx, PhaseStore, runID, func(ctx context.Context) error {
		results, err := e.ledger.LatestForRun(ctx, runID)
		if err != nil {
			return err
		}
		for _, r := range results {
			if err := ctx.Err(); err != nil {
				return err
			}
			present, err := e.dirs.Exists(filestate.Process, r.FileName)
			if err != nil {
				return err
			}
			if !present {
				rep.Skipped++
				continue
			}

			to := filestate.Store
			if !r.Success {
				to = filestate.Quarantine
			}
			if err := e.dirs.Move(r.FileName, filestate.Process, to); err != nil {
				return err
			}
			if err := e.ledger.RecordMove(ctx, runID, r.FileName, string(filestate.Process), string(to)); err != nil {
				return err
			}
			e.metrics.IncTerminalMove(string(to))
			if r.Success {
				rep.Stored++
			} else {
				rep.Quarantined++
			}
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("store run %s: %w", runID, err)
	}
	e.logger.Info("Store finished.",
		slog.String("run_id", runID),
		slog.Int("stored", rep.Stored),
		slog.Int("quarantined", rep.Quarantined),
		slog.Int("skipped", rep.Skipped),
	)
	return rep, nil
}

// Summarize returns per file type counts for runID with up to sampleLimit
// error samples.
func (e *Engine) Summarize(ctx context.Context, runID string, sampleLimit int) (ledger.Summary, error) {
	return e.ledger.Summarize(ctx, runID, sampleLimit)
}
