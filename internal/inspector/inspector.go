// Package inspector renders operator views: what sits in each state
// directory, and what an exported results file contains.
package inspector

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// ExportTypeSummary aggregates one file type of an exported results file.
type ExportTypeSummary struct {
	FileType  string
	Results   int64
	Succeeded int64
	First     sql.NullTime
	Last      sql.NullTime
}

// InspectExport prints the schema and per file type statistics of a Parquet
// file written by the export command.
func InspectExport(ctx context.Context, db *sql.DB, logger *slog.Logger, path string, w io.Writer) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("inspect %s: %w", path, err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	logger.Debug("Installing and loading Parquet extension.")
	if _, err := conn.ExecContext(ctx, `INSTALL parquet; LOAD parquet;`); err != nil {
		logger.Warn("Failed install/load parquet extension.", "error", err)
	}

	columns, err := describeParquet(ctx, conn, path)
	if err != nil {
		return err
	}
	schema := newTable("Column", "Type", "Null")
	for _, c := range columns {
		schema.Row(c[0], c[1], c[2])
	}
	fmt.Fprintf(w, "Schema of %s\n%s\n\n", path, schema.String())

	summaries, err := summarizeParquet(ctx, conn, path)
	if err != nil {
		return err
	}
	stats := newTable("File type", "Results", "Succeeded", "Failed", "First (UTC)", "Last (UTC)")
	for _, s := range summaries {
		stats.Row(s.FileType,
			fmt.Sprint(s.Results),
			fmt.Sprint(s.Succeeded),
			fmt.Sprint(s.Results-s.Succeeded),
			formatTime(s.First),
			formatTime(s.Last),
		)
	}
	fmt.Fprintln(w, stats.String())
	return nil
}

func formatTime(t sql.NullTime) string {
	if !t.Valid {
		return "N/A"
	}
	return t.Time.UTC().Format(time.RFC3339)
}

func parquetLiteral(path string) string {
	p := strings.ReplaceAll(path, `\`, `/`)
	return "'" + strings.ReplaceAll(p, "'", "''") + "'"
}

// describeParquet returns name, type and nullability for each column.
func describeParquet(ctx context.Context, conn *sql.Conn, path string) ([][3]string, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("DESCRIBE SELECT * FROM read_parquet(%s);", parquetLiteral(path)))
	if err != nil {
		return nil, fmt.Errorf("query schema for %s: %w", path, err)
	}
	defer rows.Close()

	var cols [][3]string
	for rows.Next() {
		var name, typ, null, key, def, extra sql.NullString
		if err := rows.Scan(&name, &typ, &null, &key, &def, &extra); err != nil {
			return nil, fmt.Errorf("scan schema row for %s: %w", path, err)
		}
		cols = append(cols, [3]string{name.String, typ.String, null.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema rows for %s: %w", path, err)
	}
	return cols, nil
}

func summarizeParquet(ctx context.Context, conn *sql.Conn, path string) ([]ExportTypeSummary, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`
        SELECT
            file_type,
            COUNT(*)                         AS results,
            COUNT(*) FILTER (WHERE success)  AS succeeded,
            MIN(created_at)                  AS first_at,
            MAX(created_at)                  AS last_at
        FROM read_parquet(%s)
        GROUP BY file_type
        ORDER BY file_type;
    `, parquetLiteral(path)))
	if err != nil {
		return nil, fmt.Errorf("query statistics for %s: %w", path, err)
	}
	defer rows.Close()

	var out []ExportTypeSummary
	for rows.Next() {
		var s ExportTypeSummary
		if err := rows.Scan(&s.FileType, &s.Results, &s.Succeeded, &s.First, &s.Last); err != nil {
			return nil, fmt.Errorf("scan statistics row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
