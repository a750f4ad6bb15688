package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/stagehand/internal/config"
	"github.com/brensch/stagehand/internal/dispatch"
	"github.com/brensch/stagehand/internal/filestate"
	"github.com/brensch/stagehand/internal/fileset"
	"github.com/brensch/stagehand/internal/ledger"
	"github.com/brensch/stagehand/internal/processor"
	"github.com/brensch/stagehand/internal/sink"
	"github.com/brensch/stagehand/internal/sink/duckdb"
)

const testPipeline = `
name: garmin
file_types:
  - name: SLEEP
    pattern: '_SLEEP_.*\.json$'
  - name: STEPS
    pattern: '_STEPS_.*\.json$'
  - name: FLOORS
    pattern: '_FLOORS_.*\.json$'
  - name: ACTIVITY
    pattern: '\.fit$'
    pass_through: true
unit_key_pattern: '_(\d{4}-\d{2}-\d{2})\.(json|fit)$'
required_types: [SLEEP]
max_process_tasks: 3
min_file_sets_in_batch: 2
processor:
  tables:
    SLEEP: {conflict_columns: [user_id, calendar_date]}
    STEPS: {conflict_columns: [user_id, calendar_date]}
    FLOORS: {conflict_columns: [user_id, calendar_date]}
`

type harness struct {
	engine *Engine
	ledger *ledger.Ledger
	db     *sql.DB
	dirs   filestate.Directories
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, proc dispatch.Processor) *harness {
	t.Helper()
	ctx := context.Background()

	p, err := config.ParsePipeline(strings.NewReader(testPipeline))
	require.NoError(t, err)

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := ledger.New(db, discard())
	require.NoError(t, l.InitializeSchema(ctx))

	dataDir := t.TempDir()
	dirs := filestate.NewDirectories(dataDir, p.Name)
	if proc == nil {
		tables := map[string]processor.Table{}
		for name, spec := range p.Processor.Tables {
			tables[name] = processor.Table{Name: spec.Table, ConflictColumns: spec.ConflictColumns, RecordsKey: spec.RecordsKey}
		}
		proc = processor.New(dirs, tables, discard())
	}

	e, err := New(p, config.Resolve(config.Config{}, p), dataDir, Deps{
		Ledger:    l,
		Sink:      duckdb.New(db, discard(), nil),
		Processor: proc,
		Logger:    discard(),
	})
	require.NoError(t, err)
	require.NoError(t, dirs.Ensure(discard()))
	return &harness{engine: e, ledger: l, db: db, dirs: dirs}
}

func (h *harness) drop(t *testing.T, state filestate.DataState, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(h.dirs.FilePath(state, name), []byte(body), 0o644))
}

func (h *harness) list(t *testing.T, state filestate.DataState) []string {
	t.Helper()
	names, err := h.dirs.List(state)
	require.NoError(t, err)
	return names
}

func record(date string) string {
	return `[{"user_id":1,"calendar_date":"` + date + `","value":1}]`
}

func TestIngestPlacesEachFileExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.drop(t, filestate.Ingest, "u1_SLEEP_2025-08-07.json", record("2025-08-07"))
	h.drop(t, filestate.Ingest, "u1_STEPS_2025-08-07.json", record("2025-08-07"))
	h.drop(t, filestate.Ingest, "u1_ACTIVITY_2025-08-07.fit", "binary")
	h.drop(t, filestate.Ingest, "notes.txt", "operator, look at me")

	rep, err := h.engine.Ingest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.ToProcess)
	assert.Equal(t, 1, rep.ToStore)
	assert.Equal(t, []string{"notes.txt"}, rep.Unrecognized)

	assert.Equal(t, []string{"notes.txt"}, h.list(t, filestate.Ingest))
	assert.Equal(t, []string{"u1_SLEEP_2025-08-07.json", "u1_STEPS_2025-08-07.json"}, h.list(t, filestate.Process))
	assert.Equal(t, []string{"u1_ACTIVITY_2025-08-07.fit"}, h.list(t, filestate.Store))
	assert.Empty(t, h.list(t, filestate.Quarantine))

	// A second pass moves nothing.
	rep, err = h.engine.Ingest(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.ToProcess+rep.ToStore)
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	for _, d := range []string{"2025-08-01", "2025-08-02", "2025-08-03", "2025-08-04", "2025-08-05"} {
		h.drop(t, filestate.Ingest, "u1_SLEEP_"+d+".json", record(d))
		h.drop(t, filestate.Ingest, "u1_STEPS_"+d+".json", record(d))
	}
	// Missing the required SLEEP file: deferred.
	h.drop(t, filestate.Ingest, "u1_STEPS_2025-08-06.json", record("2025-08-06"))
	// Bad record: this file alone is quarantined.
	h.drop(t, filestate.Ingest, "u1_FLOORS_2025-08-03.json", `[{"user_id":null,"calendar_date":"2025-08-03","value":1}]`)

	rep, err := h.engine.Run(ctx, RunOptions{SampleLimit: 5})
	require.NoError(t, err)

	assert.Equal(t, 5, rep.Batch.FileSets)
	assert.Equal(t, 1, rep.Batch.Deferred)
	assert.Equal(t, []int{2, 2, 1}, rep.Batch.Sizes)
	assert.Equal(t, 10, rep.Process.Succeeded)
	assert.Equal(t, 1, rep.Process.Failed)
	assert.Equal(t, StoreReport{Stored: 10, Quarantined: 1}, rep.Store)

	assert.Equal(t, []string{"u1_STEPS_2025-08-06.json"}, h.list(t, filestate.Process))
	assert.Equal(t, []string{"u1_FLOORS_2025-08-03.json"}, h.list(t, filestate.Quarantine))
	assert.Len(t, h.list(t, filestate.Store), 10)

	succeeded, failed := rep.Summary.Totals()
	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 1, failed)
	require.Len(t, rep.Summary.Samples, 1)
	assert.Equal(t, "u1_FLOORS_2025-08-03.json", rep.Summary.Samples[0].FileName)

	var rows int
	require.NoError(t, h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "sleep"`).Scan(&rows))
	assert.Equal(t, 5, rows)
}

func TestStoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.drop(t, filestate.Process, "u1_SLEEP_2025-08-07.json", record("2025-08-07"))
	h.drop(t, filestate.Process, "u1_SLEEP_2025-08-08.json", "{not json")

	run, err := h.engine.StartRun(ctx)
	require.NoError(t, err)
	_, err = h.engine.Batch(ctx, run.RunID)
	require.NoError(t, err)
	_, err = h.engine.ProcessAll(ctx, run.RunID)
	require.NoError(t, err)

	first, err := h.engine.Store(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, StoreReport{Stored: 1, Quarantined: 1}, first)

	second, err := h.engine.Store(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, StoreReport{Skipped: 2}, second)

	assert.Equal(t, []string{"u1_SLEEP_2025-08-07.json"}, h.list(t, filestate.Store))
	assert.Equal(t, []string{"u1_SLEEP_2025-08-08.json"}, h.list(t, filestate.Quarantine))

	moves, err := h.ledger.MoveCount(ctx, run.RunID, string(filestate.Quarantine))
	require.NoError(t, err)
	assert.Equal(t, 1, moves)
}

func TestStoreLeavesUnreferencedFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	run, err := h.engine.StartRun(ctx)
	require.NoError(t, err)

	// Arrived after batching, so the run never saw it.
	h.drop(t, filestate.Process, "u1_SLEEP_2025-08-09.json", record("2025-08-09"))

	rep, err := h.engine.Store(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, StoreReport{}, rep)
	assert.Equal(t, []string{"u1_SLEEP_2025-08-09.json"}, h.list(t, filestate.Process))
}

func TestProcessRetryDoesNotRepeatSuccesses(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	var failFirst atomic.Bool
	failFirst.Store(true)

	proc := dispatch.ProcessorFunc(func(ctx context.Context, fs fileset.FileSet, sess sink.Session) ([]dispatch.FileOutcome, error) {
		calls.Add(1)
		var out []dispatch.FileOutcome
		for _, f := range fs.All() {
			var err error
			if f.Type.Name == "STEPS" && failFirst.Load() {
				err = errors.New("upstream hiccup")
			}
			out = append(out, dispatch.FileOutcome{FileName: f.Name, Err: err})
		}
		return out, nil
	})
	h := newHarness(t, proc)
	h.drop(t, filestate.Process, "u1_SLEEP_2025-08-07.json", "{}")
	h.drop(t, filestate.Process, "u1_STEPS_2025-08-07.json", "{}")

	run, err := h.engine.StartRun(ctx)
	require.NoError(t, err)
	_, err = h.engine.Batch(ctx, run.RunID)
	require.NoError(t, err)

	rep, err := h.engine.Process(ctx, run.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)

	failFirst.Store(false)
	rep, err = h.engine.Process(ctx, run.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded, "only the failed file is retried")
	assert.Equal(t, 0, rep.Failed)

	rep, err = h.engine.Process(ctx, run.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SkippedSets)
	assert.Equal(t, int32(2), calls.Load())

	store, err := h.engine.Store(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, StoreReport{Stored: 2}, store)
}

func TestBatchUnknownRun(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Batch(context.Background(), "nope")
	assert.ErrorIs(t, err, ledger.ErrRunNotFound)
}

func TestProcessUnknownBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	run, err := h.engine.StartRun(ctx)
	require.NoError(t, err)
	_, err = h.engine.Process(ctx, run.RunID, 4)
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
}

func TestMoveErrorAbortsStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.drop(t, filestate.Process, "u1_SLEEP_2025-08-07.json", record("2025-08-07"))

	rep, err := h.engine.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Store.Stored)

	// A later run whose store directory disappears before the move.
	h.drop(t, filestate.Ingest, "u1_SLEEP_2025-08-08.json", record("2025-08-08"))
	_, err = h.engine.Ingest(ctx)
	require.NoError(t, err)
	run, err := h.engine.StartRun(ctx)
	require.NoError(t, err)
	_, err = h.engine.Batch(ctx, run.RunID)
	require.NoError(t, err)
	_, err = h.engine.ProcessAll(ctx, run.RunID)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(h.dirs.Path(filestate.Store)))
	_, err = h.engine.Store(ctx, run.RunID)
	var moveErr *filestate.MoveError
	require.True(t, errors.As(err, &moveErr))
	assert.Equal(t, "u1_SLEEP_2025-08-08.json", moveErr.Name)
	assert.Equal(t, []string{"u1_SLEEP_2025-08-08.json"}, h.list(t, filestate.Process))
}

func TestStoreNeverOverwritesQuarantinedFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	// Left in quarantine by an earlier run, then delivered and failing again.
	h.drop(t, filestate.Quarantine, "u1_SLEEP_2025-08-08.json", "run1-bad")
	h.drop(t, filestate.Process, "u1_SLEEP_2025-08-08.json", "{not json")

	run, err := h.engine.StartRun(ctx)
	require.NoError(t, err)
	_, err = h.engine.Batch(ctx, run.RunID)
	require.NoError(t, err)
	_, err = h.engine.ProcessAll(ctx, run.RunID)
	require.NoError(t, err)

	_, err = h.engine.Store(ctx, run.RunID)
	var moveErr *filestate.MoveError
	require.True(t, errors.As(err, &moveErr))
	assert.ErrorIs(t, err, filestate.ErrDestinationExists)

	kept, err := os.ReadFile(h.dirs.FilePath(filestate.Quarantine, "u1_SLEEP_2025-08-08.json"))
	require.NoError(t, err)
	assert.Equal(t, "run1-bad", string(kept))
	assert.Equal(t, []string{"u1_SLEEP_2025-08-08.json"}, h.list(t, filestate.Process))
}

func TestIngestNeverOverwritesWaitingFile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.drop(t, filestate.Process, "u1_STEPS_2025-08-07.json", "waiting")
	h.drop(t, filestate.Ingest, "u1_STEPS_2025-08-07.json", "redelivered")

	_, err := h.engine.Ingest(ctx)
	assert.ErrorIs(t, err, filestate.ErrDestinationExists)

	waiting, err := os.ReadFile(h.dirs.FilePath(filestate.Process, "u1_STEPS_2025-08-07.json"))
	require.NoError(t, err)
	assert.Equal(t, "waiting", string(waiting))
	assert.Equal(t, []string{"u1_STEPS_2025-08-07.json"}, h.list(t, filestate.Ingest))
}

func TestProcessAfterStoreSkipsMovedFiles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.drop(t, filestate.Process, "u1_SLEEP_2025-08-08.json", "{not json")

	run, err := h.engine.StartRun(ctx)
	require.NoError(t, err)
	_, err = h.engine.Batch(ctx, run.RunID)
	require.NoError(t, err)
	_, err = h.engine.ProcessAll(ctx, run.RunID)
	require.NoError(t, err)
	store, err := h.engine.Store(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Quarantined)

	rep, err := h.engine.ProcessAll(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SkippedSets)
	assert.Zero(t, rep.Failed)

	results, err := h.ledger.ResultsForRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, results, 1, "no extra attempt for a quarantined file")
}

func TestResumeRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.drop(t, filestate.Process, "u1_SLEEP_2025-08-07.json", record("2025-08-07"))

	run, err := h.engine.StartRun(ctx)
	require.NoError(t, err)
	_, err = h.engine.Batch(ctx, run.RunID)
	require.NoError(t, err)

	rep, err := h.engine.Run(ctx, RunOptions{ResumeRunID: run.RunID})
	require.NoError(t, err)
	assert.Equal(t, run.RunID, rep.RunID)
	assert.Equal(t, 1, rep.Store.Stored)

	_, err = h.engine.Run(ctx, RunOptions{ResumeRunID: "missing"})
	assert.ErrorIs(t, err, ledger.ErrRunNotFound)
}
