// Package ledger is the durable record of what happened to every file: one
// append-only result row per processing attempt, the run table, the batch
// manifests of each run and the terminal moves made by the store phase.
// It lives in the DuckDB database that also backs the CLI state commands.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// Tables are the tables the ledger keeps in its database.
var Tables = []string{"file_results", "runs", "run_batches", "terminal_moves"}

// IsLedgerTable reports whether name, in any case, is one of Tables.
func IsLedgerTable(name string) bool {
	for _, t := range Tables {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// ErrorKind classifies a failed result.
type ErrorKind string

const (
	KindProcessingFailure ErrorKind = "processing_failure"
	KindTimeout           ErrorKind = "timeout"
	KindPanic             ErrorKind = "panic"
	// KindUnreported marks a file the processor returned no outcome for.
	KindUnreported ErrorKind = "unreported"
)

// FileResult is one processing outcome for one file.
type FileResult struct {
	RunID       string
	FileName    string
	FileType    string
	Success     bool
	ErrorKind   ErrorKind
	ErrorDetail string
	CreatedAt   time.Time
}

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrBatchNotFound = errors.New("batch not found")
)

const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS file_result_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS file_results (
    result_id    BIGINT PRIMARY KEY DEFAULT nextval('file_result_id_seq'),
    run_id       VARCHAR NOT NULL,
    file_name    VARCHAR NOT NULL,
    file_type    VARCHAR NOT NULL,
    success      BOOLEAN NOT NULL,
    error_kind   VARCHAR,
    error_detail VARCHAR,
    created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_results_run ON file_results (run_id, file_name);

CREATE TABLE IF NOT EXISTS runs (
    run_id     VARCHAR PRIMARY KEY,
    pipeline   VARCHAR NOT NULL,
    started_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS run_batches (
    run_id      VARCHAR NOT NULL,
    batch_index INTEGER NOT NULL,
    manifest    VARCHAR NOT NULL,
    PRIMARY KEY (run_id, batch_index)
);

CREATE TABLE IF NOT EXISTS terminal_moves (
    run_id     VARCHAR NOT NULL,
    file_name  VARCHAR NOT NULL,
    from_state VARCHAR NOT NULL,
    to_state   VARCHAR NOT NULL,
    moved_at   TIMESTAMP NOT NULL
);
`

// Ledger wraps the DuckDB handle. It is safe for concurrent use: every call
// goes through the database/sql pool.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// New returns a ledger over db. Call InitializeSchema before first use.
func New(db *sql.DB, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, logger: logger.With(slog.String("component", "ledger"))}
}

// DB exposes the underlying handle for read-only reporting queries.
func (l *Ledger) DB() *sql.DB { return l.db }

// InitializeSchema creates the sequence and tables in the correct order.
func (l *Ledger) InitializeSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = l.db.ExecContext(ctx, schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

const insertResultSQL = `
    INSERT INTO file_results (run_id, file_name, file_type, success, error_kind, error_detail, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?);
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertResult(ctx context.Context, ex execer, r FileResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, insertResultSQL,
		r.RunID,
		r.FileName,
		r.FileType,
		r.Success,
		sql.NullString{String: string(r.ErrorKind), Valid: r.ErrorKind != ""},
		sql.NullString{String: r.ErrorDetail, Valid: r.ErrorDetail != ""},
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record result for '%s' in run %s: %w", r.FileName, r.RunID, err)
	}
	return nil
}

// Record appends a single result.
func (l *Ledger) Record(ctx context.Context, r FileResult) error {
	return insertResult(ctx, l.db, r)
}

// RecordAll appends the results of one file set in a single transaction.
func (l *Ledger) RecordAll(ctx context.Context, results []FileResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin result transaction: %w", err)
	}
	defer tx.Rollback() // Rollback is safe even after commit

	now := time.Now().UTC()
	for _, r := range results {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if err := insertResult(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %d results: %w", len(results), err)
	}
	return nil
}

func scanResults(rows *sql.Rows) ([]FileResult, error) {
	defer rows.Close()
	var out []FileResult
	for rows.Next() {
		var r FileResult
		var kind, detail sql.NullString
		if err := rows.Scan(&r.RunID, &r.FileName, &r.FileType, &r.Success, &kind, &detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed scanning result row: %w", err)
		}
		r.ErrorKind = ErrorKind(kind.String)
		r.ErrorDetail = detail.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating result rows: %w", err)
	}
	return out, nil
}

// ResultsForRun returns every result of a run in the order it was recorded.
func (l *Ledger) ResultsForRun(ctx context.Context, runID string) ([]FileResult, error) {
	rows, err := l.db.QueryContext(ctx, `
        SELECT run_id, file_name, file_type, success, error_kind, error_detail, created_at
        FROM file_results
        WHERE run_id = ?
        ORDER BY result_id;
    `, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results for run %s: %w", runID, err)
	}
	return scanResults(rows)
}

const latestResultsSQL = `
    WITH Latest AS (
        SELECT
            run_id, file_name, file_type, success, error_kind, error_detail, created_at,
            ROW_NUMBER() OVER(PARTITION BY file_name ORDER BY result_id DESC) AS rn
        FROM file_results
        WHERE run_id = ?
    )
`

// LatestForRun returns the most recent result per file name, ordered by name.
func (l *Ledger) LatestForRun(ctx context.Context, runID string) ([]FileResult, error) {
	rows, err := l.db.QueryContext(ctx, latestResultsSQL+`
        SELECT run_id, file_name, file_type, success, error_kind, error_detail, created_at
        FROM Latest WHERE rn = 1
        ORDER BY file_name;
    `, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest results for run %s: %w", runID, err)
	}
	return scanResults(rows)
}

// SucceededInRun returns the files whose latest result in the run is a success.
func (l *Ledger) SucceededInRun(ctx context.Context, runID string) (map[string]bool, error) {
	latest, err := l.LatestForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(latest))
	for _, r := range latest {
		if r.Success {
			done[r.FileName] = true
		}
	}
	return done, nil
}

// MovedInRun returns the files the store phase of the run has moved out of
// process.
func (l *Ledger) MovedInRun(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT DISTINCT file_name FROM terminal_moves WHERE run_id = ?;`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query moves for run %s: %w", runID, err)
	}
	defer rows.Close()
	moved := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed scanning moved file: %w", err)
		}
		moved[name] = true
	}
	return moved, rows.Err()
}

// RecordMove notes a terminal move made by the store phase.
func (l *Ledger) RecordMove(ctx context.Context, runID, fileName, from, to string) error {
	_, err := l.db.ExecContext(ctx, `
        INSERT INTO terminal_moves (run_id, file_name, from_state, to_state, moved_at)
        VALUES (?, ?, ?, ?, ?);
    `, runID, fileName, from, to, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record move of '%s' to %s: %w", fileName, to, err)
	}
	return nil
}

// MoveCount returns how many terminal moves a run made into the given state.
func (l *Ledger) MoveCount(ctx context.Context, runID, to string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM terminal_moves WHERE run_id = ? AND to_state = ?;`, runID, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count moves for run %s: %w", runID, err)
	}
	return n, nil
}
