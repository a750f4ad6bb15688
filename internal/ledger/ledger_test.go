package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, l.InitializeSchema(context.Background()))
	return l
}

func TestInitializeSchemaIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	assert.NoError(t, l.InitializeSchema(context.Background()))
}

func TestLatestForRunPicksNewestPerFile(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Record(ctx, FileResult{RunID: "r1", FileName: "a.json", FileType: "SLEEP", Success: false, ErrorKind: KindTimeout}))
	require.NoError(t, l.Record(ctx, FileResult{RunID: "r1", FileName: "b.json", FileType: "STEPS", Success: true}))
	require.NoError(t, l.Record(ctx, FileResult{RunID: "r1", FileName: "a.json", FileType: "SLEEP", Success: true}))
	require.NoError(t, l.Record(ctx, FileResult{RunID: "r2", FileName: "a.json", FileType: "SLEEP", Success: false, ErrorKind: KindProcessingFailure}))

	all, err := l.ResultsForRun(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	latest, err := l.LatestForRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "a.json", latest[0].FileName)
	assert.True(t, latest[0].Success)
	assert.Equal(t, "b.json", latest[1].FileName)

	done, err := l.SucceededInRun(ctx, "r2")
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestRecordAllConcurrently(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results := []FileResult{
				{RunID: "r", FileName: fmt.Sprintf("w%d_a.json", w), FileType: "A", Success: true},
				{RunID: "r", FileName: fmt.Sprintf("w%d_b.json", w), FileType: "B", Success: false, ErrorKind: KindPanic, ErrorDetail: "boom"},
			}
			errs <- l.RecordAll(ctx, results)
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := l.ResultsForRun(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, all, 16)
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))

	t0 := time.Date(2025, 8, 7, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.CreateRun(ctx, Run{RunID: "r1", Pipeline: "garmin", StartedAt: t0}))
	require.NoError(t, l.CreateRun(ctx, Run{RunID: "r2", Pipeline: "garmin", StartedAt: t0.Add(time.Hour)}))
	// Re-registering is a no-op.
	require.NoError(t, l.CreateRun(ctx, Run{RunID: "r1", Pipeline: "garmin", StartedAt: t0}))

	r, err := l.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "garmin", r.Pipeline)

	latest, err := l.LatestRun(ctx, "garmin")
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.RunID)

	runs, err := l.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RunID)
}

func TestSaveBatchesOverwrites(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.SaveBatches(ctx, "r1", [][]byte{[]byte(`{"index":0}`), []byte(`{"index":1}`)}))
	require.NoError(t, l.SaveBatches(ctx, "r1", [][]byte{[]byte(`{"index":0,"v":2}`)}))

	n, err := l.BatchCount(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := l.LoadBatch(ctx, "r1", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"index":0,"v":2}`, string(m))

	_, err = l.LoadBatch(ctx, "r1", 1)
	assert.True(t, errors.Is(err, ErrBatchNotFound))
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.RecordAll(ctx, []FileResult{
		{RunID: "r", FileName: "s1", FileType: "SLEEP", Success: true},
		{RunID: "r", FileName: "s2", FileType: "SLEEP", Success: false, ErrorKind: KindProcessingFailure, ErrorDetail: "duplicate key"},
		{RunID: "r", FileName: "t1", FileType: "STEPS", Success: false, ErrorKind: KindTimeout},
	}))
	// A retry that succeeded replaces the earlier failure.
	require.NoError(t, l.Record(ctx, FileResult{RunID: "r", FileName: "t1", FileType: "STEPS", Success: true}))

	s, err := l.Summarize(ctx, "r", 5)
	require.NoError(t, err)
	assert.Equal(t, []TypeCount{
		{FileType: "SLEEP", Succeeded: 1, Failed: 1},
		{FileType: "STEPS", Succeeded: 1, Failed: 0},
	}, s.Types)
	ok, failed := s.Totals()
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
	require.Len(t, s.Samples, 1)
	assert.Equal(t, "duplicate key", s.Samples[0].ErrorDetail)
}

func TestDisplayHistoryFilters(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.RecordAll(ctx, []FileResult{
		{RunID: "r", FileName: "good.json", FileType: "SLEEP", Success: true},
		{RunID: "r", FileName: "bad.json", FileType: "SLEEP", Success: false, ErrorKind: KindProcessingFailure, ErrorDetail: "nope"},
	}))

	var buf bytes.Buffer
	require.NoError(t, l.DisplayHistory(ctx, &buf, "r", OutcomeFailure, 10))
	assert.Contains(t, buf.String(), "bad.json")
	assert.NotContains(t, buf.String(), "good.json")
	assert.Contains(t, buf.String(), "Displayed 1 records.")

	assert.Error(t, l.DisplayHistory(ctx, &buf, "", "maybe", 10))
}

func TestRecordMove(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.RecordMove(ctx, "r", "a.json", "process", "store"))
	require.NoError(t, l.RecordMove(ctx, "r", "b.json", "process", "quarantine"))

	n, err := l.MoveCount(ctx, "r", "store")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMovedInRun(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.RecordMove(ctx, "r", "a.json", "process", "store"))
	require.NoError(t, l.RecordMove(ctx, "r", "b.json", "process", "quarantine"))
	require.NoError(t, l.RecordMove(ctx, "other", "c.json", "process", "store"))

	moved, err := l.MovedInRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a.json": true, "b.json": true}, moved)
}

func TestSummaryPrintAndLogAttr(t *testing.T) {
	s := Summary{
		RunID: "r",
		Types: []TypeCount{
			{FileType: "SLEEP", Succeeded: 3, Failed: 1},
			{FileType: "STEPS", Succeeded: 2},
		},
		Samples: []FileResult{{FileName: "s2", ErrorKind: KindProcessingFailure, ErrorDetail: "duplicate key"}},
	}

	var out bytes.Buffer
	s.Print(&out)
	assert.Contains(t, out.String(), "SLEEP:           3 succeeded, 1 failed")
	assert.Contains(t, out.String(), "STEPS:           2 succeeded, 0 failed")
	assert.Contains(t, out.String(), "s2 [processing_failure] duplicate key")

	var logged bytes.Buffer
	slog.New(slog.NewTextHandler(&logged, nil)).Info("Pipeline run finished.", s.LogAttr())
	assert.Contains(t, logged.String(), "file_types.SLEEP.succeeded=3")
	assert.Contains(t, logged.String(), "file_types.SLEEP.failed=1")
	assert.Contains(t, logged.String(), "file_types.STEPS.succeeded=2")
}
