package analyser

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/stagehand/internal/ledger"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	l := ledger.New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, l.InitializeSchema(context.Background()))
	return l
}

func TestAnalyse(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	require.NoError(t, l.CreateRun(ctx, ledger.Run{RunID: "r1", Pipeline: "garmin"}))

	require.NoError(t, l.RecordAll(ctx, []ledger.FileResult{
		{RunID: "r1", FileName: "SLEEP_1.json", FileType: "SLEEP", ErrorKind: ledger.KindTimeout, ErrorDetail: "file set exceeded 1h0m0s"},
		{RunID: "r1", FileName: "STEPS_1.json", FileType: "STEPS", Success: true},
		{RunID: "r1", FileName: "FLOORS_1.json", FileType: "FLOORS", ErrorKind: ledger.KindProcessingFailure, ErrorDetail: "null primary key"},
	}))
	// The retry of the sleep file succeeded.
	require.NoError(t, l.Record(ctx, ledger.FileResult{RunID: "r1", FileName: "SLEEP_1.json", FileType: "SLEEP", Success: true}))
	require.NoError(t, l.RecordMove(ctx, "r1", "SLEEP_1.json", "process", "store"))
	require.NoError(t, l.RecordMove(ctx, "r1", "STEPS_1.json", "process", "store"))
	require.NoError(t, l.RecordMove(ctx, "r1", "FLOORS_1.json", "process", "quarantine"))

	a, err := Analyse(ctx, l, "r1", 5)
	require.NoError(t, err)

	assert.Equal(t, 1, a.Retried)
	assert.Equal(t, 2, a.MaxAttempts)
	assert.Equal(t, 2, a.Stored)
	assert.Equal(t, 1, a.Quarantined)
	require.Len(t, a.Kinds, 1, "the timeout was superseded by a success")
	assert.Equal(t, KindCount{FileType: "FLOORS", Kind: string(ledger.KindProcessingFailure), Files: 1}, a.Kinds[0])
	require.Len(t, a.Summary.Samples, 1)

	var buf bytes.Buffer
	a.Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "Run r1")
	assert.Contains(t, out, "2 succeeded, 1 failed")
	assert.Contains(t, out, "null primary key")
}

func TestAnalyseUnknownRun(t *testing.T) {
	_, err := Analyse(context.Background(), newLedger(t), "missing", 5)
	assert.ErrorIs(t, err, ledger.ErrRunNotFound)
}
