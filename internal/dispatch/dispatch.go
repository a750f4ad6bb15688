// Package dispatch runs batches through the pipeline's processor with bounded
// parallelism. Each worker owns its own persistence session, processes the
// file sets of its batch in order and records one ledger result per file.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/brensch/stagehand/internal/batcher"
	"github.com/brensch/stagehand/internal/fileset"
	"github.com/brensch/stagehand/internal/ledger"
	"github.com/brensch/stagehand/internal/metrics"
	"github.com/brensch/stagehand/internal/sink"
	"github.com/brensch/stagehand/internal/telemetry"
)

// FileOutcome is the processor's verdict for one file. A nil Err is success.
type FileOutcome struct {
	FileName string
	Err      error
}

// Processor is the pipeline-specific logic applied to one file set.
//
// Returning an error fails every file of the set. Otherwise the outcomes say
// which files succeeded; a file without an outcome is recorded as failed.
// ctx carries the file set deadline.
type Processor interface {
	ProcessFileSet(ctx context.Context, fs fileset.FileSet, sess sink.Session) ([]FileOutcome, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, fs fileset.FileSet, sess sink.Session) ([]FileOutcome, error)

func (f ProcessorFunc) ProcessFileSet(ctx context.Context, fs fileset.FileSet, sess sink.Session) ([]FileOutcome, error) {
	return f(ctx, fs, sess)
}

// Ledger is the part of the result ledger the dispatcher writes to.
type Ledger interface {
	RecordAll(ctx context.Context, results []ledger.FileResult) error
	SucceededInRun(ctx context.Context, runID string) (map[string]bool, error)
	MovedInRun(ctx context.Context, runID string) (map[string]bool, error)
}

// Config bounds the worker pool.
type Config struct {
	MaxWorkers     int
	FileSetTimeout time.Duration
}

// Deps are the collaborators of a Dispatcher. Metrics, Tracer and Observer
// are optional.
type Deps struct {
	Processor Processor
	Sink      sink.Sink
	Ledger    Ledger
	Logger    *slog.Logger
	Metrics   metrics.PipelineMetrics
	Tracer    trace.Tracer
	Observer  Observer
}

// Dispatcher fans batches out to workers.
type Dispatcher struct {
	cfg       Config
	processor Processor
	sink      sink.Sink
	ledger    Ledger
	logger    *slog.Logger
	metrics   metrics.PipelineMetrics
	tracer    trace.Tracer
	observer  Observer
}

// New validates cfg and fills in optional dependencies.
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("max workers must be at least 1, got %d", cfg.MaxWorkers)
	}
	if deps.Processor == nil || deps.Sink == nil || deps.Ledger == nil || deps.Logger == nil {
		return nil, errors.New("dispatcher needs a processor, sink, ledger and logger")
	}
	d := &Dispatcher{
		cfg:       cfg,
		processor: deps.Processor,
		sink:      deps.Sink,
		ledger:    deps.Ledger,
		logger:    deps.Logger.With(slog.String("component", "dispatcher")),
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		observer:  deps.Observer,
	}
	if d.metrics == nil {
		d.metrics = metrics.Noop{}
	}
	if d.tracer == nil {
		d.tracer = telemetry.NoopTracer()
	}
	if d.observer == nil {
		d.observer = func(Event) {}
	}
	return d, nil
}

// Report tallies one ProcessBatches call.
type Report struct {
	Batches       int
	FileSets      int
	SkippedSets   int
	RemainingSets int
	Succeeded     int
	Failed        int
	TimedOut      int
	Cancelled     bool
}

func (r *Report) add(o Report) {
	r.FileSets += o.FileSets
	r.SkippedSets += o.SkippedSets
	r.RemainingSets += o.RemainingSets
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.TimedOut += o.TimedOut
}

// ProcessBatches processes batches concurrently, at most MaxWorkers at a
// time. Files whose latest result in runID is already a success are not
// processed again.
//
// Cancelling ctx lets every in-flight file set finish and be recorded; file
// sets not yet started are left untouched and the context error is returned.
// A ledger write failure stops all workers and is returned.
func (d *Dispatcher) ProcessBatches(ctx context.Context, runID string, batches []batcher.Batch) (Report, error) {
	report := Report{Batches: len(batches)}
	if len(batches) == 0 {
		d.logger.Info("No batches to process.", slog.String("run_id", runID))
		return report, nil
	}

	done, err := d.ledger.SucceededInRun(ctx, runID)
	if err != nil {
		return report, fmt.Errorf("load prior results for run %s: %w", runID, err)
	}
	moved, err := d.ledger.MovedInRun(ctx, runID)
	if err != nil {
		return report, fmt.Errorf("load terminal moves for run %s: %w", runID, err)
	}
	// Files already moved out of process by store are settled for this run.
	for name := range moved {
		done[name] = true
	}

	workers := d.cfg.MaxWorkers
	if workers > len(batches) {
		workers = len(batches)
	}
	slots := make(chan int, workers)
	for i := 0; i < workers; i++ {
		slots <- i
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	d.logger.Info("Dispatching batches.",
		slog.String("run_id", runID),
		slog.Int("batches", len(batches)),
		slog.Int("workers", workers),
		slog.Duration("file_set_timeout", d.cfg.FileSetTimeout),
	)

	for _, b := range batches {
		g.Go(func() error {
			workerID := <-slots
			defer func() { slots <- workerID }()

			w := &worker{d: d, id: workerID, runID: runID, done: done}
			br, err := w.run(gctx, b)

			mu.Lock()
			report.add(br)
			mu.Unlock()
			return err
		})
	}

	err = g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		report.Cancelled = true
	}

	d.logger.Info("Dispatch finished.",
		slog.String("run_id", runID),
		slog.Int("file_sets", report.FileSets),
		slog.Int("skipped_sets", report.SkippedSets),
		slog.Int("remaining_sets", report.RemainingSets),
		slog.Int("files_succeeded", report.Succeeded),
		slog.Int("files_failed", report.Failed),
		slog.Int("files_timed_out", report.TimedOut),
		slog.Bool("cancelled", report.Cancelled),
	)
	return report, err
}

type worker struct {
	d     *Dispatcher
	id    int
	runID string
	done  map[string]bool
	sess  sink.Session
}

func (w *worker) run(ctx context.Context, b batcher.Batch) (Report, error) {
	var rep Report
	logger := w.d.logger.With(slog.Int("worker_id", w.id), slog.Int("batch_index", b.Index))

	ctx, span := w.d.tracer.Start(ctx, "dispatch.batch", trace.WithAttributes(
		attribute.String("run_id", w.runID),
		attribute.Int("batch_index", b.Index),
		attribute.Int("file_sets", len(b.FileSets)),
	))
	defer span.End()
	defer w.closeSession(logger)

	w.d.observer(Event{Kind: EventBatchStarted, WorkerID: w.id, BatchIndex: b.Index, FileSets: len(b.FileSets)})
	logger.Info("Worker started batch.", slog.Int("file_sets", len(b.FileSets)))

	for i, fs := range b.FileSets {
		if ctx.Err() != nil {
			rep.RemainingSets = len(b.FileSets) - i
			logger.Warn("Stopping batch early, run cancelled.", slog.Int("remaining_sets", rep.RemainingSets), "error", ctx.Err())
			break
		}

		pending := w.pending(fs)
		if pending.Len() == 0 {
			logger.Debug("Skipping file set, every file is already settled in this run.", slog.String("unit_key", fs.Key))
			rep.SkippedSets++
			continue
		}

		results, timedOut := w.processSet(ctx, logger, b.Index, pending)

		// Results are written even when the run is being cancelled.
		recordCtx := context.WithoutCancel(ctx)
		if err := w.d.ledger.RecordAll(recordCtx, results); err != nil {
			logger.Error("Failed to record file set results.", slog.String("unit_key", fs.Key), "error", err)
			return rep, fmt.Errorf("record results for unit %s: %w", fs.Key, err)
		}

		rep.FileSets++
		failed := 0
		for _, r := range results {
			w.d.metrics.IncFileResult(r.FileType, r.Success, string(r.ErrorKind))
			if r.Success {
				rep.Succeeded++
			} else {
				rep.Failed++
				failed++
			}
		}
		if timedOut {
			rep.TimedOut += len(results)
		}
		w.d.observer(Event{Kind: EventFileSetFinished, WorkerID: w.id, BatchIndex: b.Index, UnitKey: fs.Key, Files: len(results), FailedFiles: failed})
	}

	w.d.observer(Event{Kind: EventBatchFinished, WorkerID: w.id, BatchIndex: b.Index, FileSets: rep.FileSets})
	logger.Info("Worker finished batch.",
		slog.Int("file_sets", rep.FileSets),
		slog.Int("files_succeeded", rep.Succeeded),
		slog.Int("files_failed", rep.Failed),
	)
	return rep, nil
}

// pending drops the files that already succeeded in this run or were moved
// to a terminal state by it.
func (w *worker) pending(fs fileset.FileSet) fileset.FileSet {
	out := fileset.FileSet{Key: fs.Key, Files: make(map[string][]fileset.ManagedFile, len(fs.Files))}
	for t, files := range fs.Files {
		for _, f := range files {
			if !w.done[f.Name] {
				out.Files[t] = append(out.Files[t], f)
			}
		}
	}
	return out
}

func (w *worker) session(ctx context.Context) (sink.Session, error) {
	if w.sess != nil {
		return w.sess, nil
	}
	sess, err := w.d.sink.Session(ctx)
	if err != nil {
		return nil, err
	}
	w.sess = sess
	return sess, nil
}

func (w *worker) closeSession(logger *slog.Logger) {
	if w.sess == nil {
		return
	}
	if err := w.sess.Close(); err != nil {
		logger.Warn("Failed to close sink session.", "error", err)
	}
	w.sess = nil
}

type setOutcome struct {
	outcomes []FileOutcome
	err      error
	panicked bool
}

// processSet runs the processor on one file set and turns whatever happened
// into one result per file. The second return reports a timeout.
func (w *worker) processSet(ctx context.Context, logger *slog.Logger, batchIndex int, fs fileset.FileSet) ([]ledger.FileResult, bool) {
	logger = logger.With(slog.String("unit_key", fs.Key))
	w.d.observer(Event{Kind: EventFileSetStarted, WorkerID: w.id, BatchIndex: batchIndex, UnitKey: fs.Key, Files: fs.Len()})

	// The file set keeps running when the run is cancelled; only its own
	// deadline stops it.
	setCtx := context.WithoutCancel(ctx)
	cancel := func() {}
	if w.d.cfg.FileSetTimeout > 0 {
		setCtx, cancel = context.WithTimeout(setCtx, w.d.cfg.FileSetTimeout)
	}
	defer cancel()

	setCtx, span := w.d.tracer.Start(setCtx, "dispatch.file_set", trace.WithAttributes(
		attribute.String("unit_key", fs.Key),
		attribute.Int("files", fs.Len()),
	))
	defer span.End()

	start := time.Now()
	defer func() { w.d.metrics.ObserveFileSet(time.Since(start)) }()

	sess, err := w.session(setCtx)
	if err != nil {
		logger.Error("Could not open sink session, failing file set.", "error", err)
		span.RecordError(err)
		return failAll(w.runID, fs, ledger.KindProcessingFailure, fmt.Sprintf("open sink session: %v", err)), false
	}

	resultCh := make(chan setOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- setOutcome{err: fmt.Errorf("processor panic: %v", r), panicked: true}
			}
		}()
		outcomes, err := w.d.processor.ProcessFileSet(setCtx, fs, sess)
		resultCh <- setOutcome{outcomes: outcomes, err: err}
	}()

	var out setOutcome
	select {
	case out = <-resultCh:
	case <-setCtx.Done():
		select {
		case out = <-resultCh:
		default:
			// Abandon the session: the processor goroutine may still be using
			// it. It is closed once the goroutine returns and the worker opens
			// a fresh one for the next file set.
			w.sess = nil
			go func() {
				<-resultCh
				if err := sess.Close(); err != nil {
					logger.Warn("Failed to close abandoned sink session.", "error", err)
				}
			}()
			logger.Warn("File set timed out, marking every file failed.", slog.Duration("timeout", w.d.cfg.FileSetTimeout))
			span.RecordError(setCtx.Err())
			return failAll(w.runID, fs, ledger.KindTimeout, fmt.Sprintf("file set exceeded %s", w.d.cfg.FileSetTimeout)), true
		}
	}

	switch {
	case out.panicked:
		logger.Error("Processor panicked, marking every file failed.", "error", out.err)
		span.RecordError(out.err)
		return failAll(w.runID, fs, ledger.KindPanic, out.err.Error()), false
	case out.err != nil:
		logger.Warn("Processor failed file set, marking every file failed.", "error", out.err)
		span.RecordError(out.err)
		return failAll(w.runID, fs, ledger.KindProcessingFailure, out.err.Error()), false
	}
	return w.collect(logger, fs, out.outcomes), false
}

// collect maps per-file outcomes onto the files of the set.
func (w *worker) collect(logger *slog.Logger, fs fileset.FileSet, outcomes []FileOutcome) []ledger.FileResult {
	byName := make(map[string]FileOutcome, len(outcomes))
	for _, o := range outcomes {
		byName[o.FileName] = o
	}

	files := fs.All()
	inSet := make(map[string]bool, len(files))
	results := make([]ledger.FileResult, 0, len(files))
	now := time.Now().UTC()
	for _, f := range files {
		inSet[f.Name] = true
		r := ledger.FileResult{RunID: w.runID, FileName: f.Name, FileType: f.Type.Name, CreatedAt: now}
		o, ok := byName[f.Name]
		switch {
		case !ok:
			r.ErrorKind = ledger.KindUnreported
			r.ErrorDetail = "processor returned no outcome for this file"
		case o.Err != nil:
			r.ErrorKind = ledger.KindProcessingFailure
			r.ErrorDetail = o.Err.Error()
		default:
			r.Success = true
		}
		results = append(results, r)
	}
	for name := range byName {
		if !inSet[name] {
			logger.Warn("Processor reported an outcome for a file outside the file set, ignoring.", slog.String("file", name))
		}
	}
	return results
}

func failAll(runID string, fs fileset.FileSet, kind ledger.ErrorKind, detail string) []ledger.FileResult {
	files := fs.All()
	now := time.Now().UTC()
	results := make([]ledger.FileResult, len(files))
	for i, f := range files {
		results[i] = ledger.FileResult{
			RunID:       runID,
			FileName:    f.Name,
			FileType:    f.Type.Name,
			ErrorKind:   kind,
			ErrorDetail: detail,
			CreatedAt:   now,
		}
	}
	return results
}
