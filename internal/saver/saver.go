// Package saver copies DuckDB sink tables out to Parquet files.
package saver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/brensch/stagehand/internal/ledger"
	"github.com/brensch/stagehand/internal/sink"
)

// ListTables returns the user tables of db, without the ledger's own tables.
func ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA show_tables;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if ledger.IsLedgerTable(name) {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// SaveTables writes each table to outDir/<table>.parquet, at most
// concurrency at a time. An empty tables list saves every sink table. All
// failures are reported together.
func SaveTables(ctx context.Context, db *sql.DB, logger *slog.Logger, outDir string, tables []string, concurrency int) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%s': %w", outDir, err)
	}
	if len(tables) == 0 {
		var err error
		if tables, err = ListTables(ctx, db); err != nil {
			return nil, err
		}
	}
	if len(tables) == 0 {
		logger.Info("No sink tables found to save.")
		return nil, nil
	}
	logger.Info("Saving tables to Parquet.", slog.Int("count", len(tables)), slog.String("dir", outDir))

	paths := make([]string, len(tables))
	errs := make([]error, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, table := range tables {
		g.Go(func() error {
			l := logger.With(slog.String("table", table))
			path, err := saveTable(gctx, db, outDir, table)
			if err != nil {
				l.Error("Failed to save table to Parquet.", "error", err)
				errs[i] = fmt.Errorf("save %s: %w", table, err)
				return nil
			}
			l.Info("Saved table to Parquet.", slog.String("output_path", path))
			paths[i] = path
			return nil
		})
	}
	_ = g.Wait()

	var saved []string
	for _, p := range paths {
		if p != "" {
			saved = append(saved, p)
		}
	}
	return saved, errors.Join(errs...)
}

func saveTable(ctx context.Context, db *sql.DB, outDir, table string) (string, error) {
	safe := strings.NewReplacer(`"`, "", "/", "_", `\`, "_").Replace(table)
	path := filepath.Join(outDir, safe+".parquet")
	target := strings.ReplaceAll(strings.ReplaceAll(path, `\`, `/`), "'", "''")

	copySQL := fmt.Sprintf(`COPY %s TO '%s' (FORMAT PARQUET, COMPRESSION SNAPPY);`, sink.QuoteIdent(table), target)
	if _, err := db.ExecContext(ctx, copySQL); err != nil {
		return "", err
	}
	return path, nil
}
