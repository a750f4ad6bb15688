package inspector

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/stagehand/internal/classify"
	"github.com/brensch/stagehand/internal/export"
	"github.com/brensch/stagehand/internal/filestate"
	"github.com/brensch/stagehand/internal/ledger"
)

func TestCollectAndRenderStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dirs := filestate.NewDirectories(t.TempDir(), "garmin")
	require.NoError(t, dirs.Ensure(logger))

	put := func(state filestate.DataState, name string) {
		require.NoError(t, os.WriteFile(dirs.FilePath(state, name), []byte("{}"), 0o644))
	}
	put(filestate.Ingest, "notes.txt")
	put(filestate.Process, "SLEEP_2025-08-07.json")
	put(filestate.Process, "STEPS_2025-08-07.json")
	put(filestate.Store, "SLEEP_2025-08-06.json")
	put(filestate.Quarantine, "STEPS_2025-08-06.json")

	c, err := classify.New([]classify.Rule{
		{Name: "SLEEP", Pattern: `^SLEEP_`},
		{Name: "STEPS", Pattern: `^STEPS_`},
	})
	require.NoError(t, err)

	counts, err := Collect(dirs, c)
	require.NoError(t, err)
	require.Len(t, counts, len(filestate.AllStates))

	byState := make(map[filestate.DataState]StateCounts)
	for _, sc := range counts {
		byState[sc.State] = sc
	}
	assert.Equal(t, 1, byState[filestate.Ingest].ByType[Unrecognized])
	assert.Equal(t, 2, byState[filestate.Process].Total)
	assert.Equal(t, 1, byState[filestate.Store].ByType["SLEEP"])
	assert.Equal(t, 1, byState[filestate.Quarantine].ByType["STEPS"])

	var buf bytes.Buffer
	RenderStatus(&buf, "garmin", c.Types(), counts)
	out := buf.String()
	assert.Contains(t, out, "Pipeline garmin")
	assert.Contains(t, out, "quarantine")
	assert.Contains(t, out, Unrecognized)
	assert.Contains(t, out, "1 files waiting in ingest.")
}

func TestCollectMissingDirectory(t *testing.T) {
	dirs := filestate.NewDirectories(t.TempDir(), "absent")
	c, err := classify.New([]classify.Rule{{Name: "A", Pattern: `^A`}})
	require.NoError(t, err)

	_, err = Collect(dirs, c)
	assert.Error(t, err)
}

func TestInspectExport(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "results.parquet")
	created := time.Date(2025, 8, 7, 10, 0, 0, 0, time.UTC)
	require.NoError(t, export.WriteResults(path, []ledger.FileResult{
		{RunID: "r1", FileName: "a.json", FileType: "SLEEP", Success: true, CreatedAt: created},
		{RunID: "r1", FileName: "b.json", FileType: "SLEEP", ErrorKind: ledger.KindProcessingFailure, ErrorDetail: "bad row", CreatedAt: created.Add(time.Minute)},
		{RunID: "r1", FileName: "c.json", FileType: "STEPS", Success: true, CreatedAt: created},
	}))

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer db.Close()

	var buf bytes.Buffer
	require.NoError(t, InspectExport(ctx, db, logger, path, &buf))
	out := buf.String()
	assert.Contains(t, out, "file_name")
	assert.Contains(t, out, "error_kind")
	assert.Contains(t, out, "SLEEP")
	assert.Contains(t, out, "STEPS")
	assert.Contains(t, out, "2025-08-07T10:01:00Z")
}

func TestInspectExportMissingFile(t *testing.T) {
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	defer db.Close()

	err = InspectExport(context.Background(), db, slog.New(slog.NewTextHandler(io.Discard, nil)), filepath.Join(t.TempDir(), "nope.parquet"), io.Discard)
	assert.Error(t, err)
}
