package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Run identifies one pass through the pipeline.
type Run struct {
	RunID     string
	Pipeline  string
	StartedAt time.Time
}

// CreateRun registers a run. Creating an existing run is a no-op.
func (l *Ledger) CreateRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `
        INSERT INTO runs (run_id, pipeline, started_at) VALUES (?, ?, ?)
        ON CONFLICT (run_id) DO NOTHING;
    `, r.RunID, r.Pipeline, r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", r.RunID, err)
	}
	l.logger.Debug("Run registered.", slog.String("run_id", r.RunID), slog.String("pipeline", r.Pipeline))
	return nil
}

// GetRun loads a run, returning ErrRunNotFound when it does not exist.
func (l *Ledger) GetRun(ctx context.Context, runID string) (Run, error) {
	var r Run
	err := l.db.QueryRowContext(ctx, `SELECT run_id, pipeline, started_at FROM runs WHERE run_id = ?;`, runID).
		Scan(&r.RunID, &r.Pipeline, &r.StartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return Run{}, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	return r, nil
}

// LatestRun returns the most recently started run of a pipeline.
func (l *Ledger) LatestRun(ctx context.Context, pipeline string) (Run, error) {
	var r Run
	err := l.db.QueryRowContext(ctx, `
        SELECT run_id, pipeline, started_at FROM runs
        WHERE pipeline = ?
        ORDER BY started_at DESC, run_id DESC
        LIMIT 1;
    `, pipeline).Scan(&r.RunID, &r.Pipeline, &r.StartedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, fmt.Errorf("%w: no runs for pipeline %s", ErrRunNotFound, pipeline)
		}
		return Run{}, fmt.Errorf("failed to query latest run for %s: %w", pipeline, err)
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `
        SELECT run_id, pipeline, started_at FROM runs
        ORDER BY started_at DESC, run_id DESC
        LIMIT ?;
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Pipeline, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("failed scanning run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

// SaveBatches stores the batch manifests of a run, replacing any manifests a
// previous batch phase wrote for the same run.
func (l *Ledger) SaveBatches(ctx context.Context, runID string, manifests [][]byte) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin manifest transaction: %w", err)
	}
	defer tx.Rollback() // Rollback is safe even after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM run_batches WHERE run_id = ?;`, runID)
	if err != nil {
		return fmt.Errorf("failed to clear manifests for run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		l.logger.Warn("Overwriting existing batch manifests.", slog.String("run_id", runID), slog.Int64("previous_batches", n))
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_batches (run_id, batch_index, manifest) VALUES (?, ?, ?);`)
	if err != nil {
		return fmt.Errorf("failed to prepare manifest insert: %w", err)
	}
	defer stmt.Close()
	for i, m := range manifests {
		if _, err := stmt.ExecContext(ctx, runID, i, string(m)); err != nil {
			return fmt.Errorf("failed to store manifest %d for run %s: %w", i, runID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit manifests for run %s: %w", runID, err)
	}
	return nil
}

// LoadBatch returns one stored manifest, or ErrBatchNotFound.
func (l *Ledger) LoadBatch(ctx context.Context, runID string, index int) ([]byte, error) {
	var manifest string
	err := l.db.QueryRowContext(ctx, `SELECT manifest FROM run_batches WHERE run_id = ? AND batch_index = ?;`, runID, index).Scan(&manifest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %s batch %d", ErrBatchNotFound, runID, index)
		}
		return nil, fmt.Errorf("failed to load manifest %d for run %s: %w", index, runID, err)
	}
	return []byte(manifest), nil
}

// BatchCount returns how many manifests are stored for a run.
func (l *Ledger) BatchCount(ctx context.Context, runID string) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_batches WHERE run_id = ?;`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count manifests for run %s: %w", runID, err)
	}
	return n, nil
}
