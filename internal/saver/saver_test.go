package saver

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`
        CREATE TABLE sleep (day VARCHAR, minutes INTEGER);
        INSERT INTO sleep VALUES ('2025-08-07', 431), ('2025-08-08', 402);
        CREATE TABLE steps (day VARCHAR, steps INTEGER);
        CREATE TABLE runs (run_id VARCHAR);
    `)
	require.NoError(t, err)
	return db
}

func TestListTablesSkipsLedger(t *testing.T) {
	tables, err := ListTables(context.Background(), newDB(t))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sleep", "steps"}, tables)
}

func TestSaveTables(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	dir := filepath.Join(t.TempDir(), "out")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	saved, err := SaveTables(ctx, db, logger, dir, nil, 2)
	require.NoError(t, err)
	assert.Len(t, saved, 2)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM read_parquet('`+filepath.ToSlash(filepath.Join(dir, "sleep.parquet"))+`');`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestSaveTablesReportsMissingTable(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	saved, err := SaveTables(context.Background(), newDB(t), logger, dir, []string{"sleep", "absent"}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save absent")
	require.Len(t, saved, 1)
	_, statErr := os.Stat(saved[0])
	assert.NoError(t, statErr)
}
