package export

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/brensch/stagehand/internal/ledger"
)

func readRows(t *testing.T, path string) []ResultRow {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(ResultRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	rows := make([]ResultRow, pr.GetNumRows())
	require.NoError(t, pr.Read(&rows))
	return rows
}

func TestWriteResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.parquet")
	created := time.Date(2025, 8, 7, 10, 0, 0, 0, time.UTC)
	require.NoError(t, WriteResults(path, []ledger.FileResult{
		{RunID: "r1", FileName: "a.json", FileType: "SLEEP", Success: true, CreatedAt: created},
		{RunID: "r1", FileName: "b.json", FileType: "STEPS", ErrorKind: ledger.KindTimeout, ErrorDetail: "file set exceeded 1h0m0s", CreatedAt: created},
	}))

	rows := readRows(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, "a.json", rows[0].FileName)
	assert.True(t, rows[0].Success)
	assert.Nil(t, rows[0].ErrorKind)
	assert.Equal(t, created.UnixMicro(), rows[0].CreatedAt)

	require.NotNil(t, rows[1].ErrorKind)
	assert.Equal(t, "timeout", *rows[1].ErrorKind)
	assert.Equal(t, "file set exceeded 1h0m0s", *rows[1].ErrorDetail)
}

func TestRunLatestOnly(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer db.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(db, logger)
	require.NoError(t, l.InitializeSchema(ctx))

	require.NoError(t, l.Record(ctx, ledger.FileResult{RunID: "r1", FileName: "a.json", FileType: "SLEEP", ErrorKind: ledger.KindProcessingFailure, ErrorDetail: "boom"}))
	require.NoError(t, l.Record(ctx, ledger.FileResult{RunID: "r1", FileName: "a.json", FileType: "SLEEP", Success: true}))

	dir := t.TempDir()
	n, err := Run(ctx, l, logger, "r1", filepath.Join(dir, "all.parquet"), false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = Run(ctx, l, logger, "r1", filepath.Join(dir, "latest.parquet"), true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rows := readRows(t, filepath.Join(dir, "latest.parquet"))
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Success)
}
