// Package analyser digs into the ledger of a finished run: which error kinds
// hit which file types, how often files were retried and where they ended up.
package analyser

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/brensch/stagehand/internal/filestate"
	"github.com/brensch/stagehand/internal/ledger"
)

// KindCount counts files of one type whose latest result failed with one kind.
type KindCount struct {
	FileType string
	Kind     string
	Files    int
}

// Analysis is the report for a single run.
type Analysis struct {
	Summary ledger.Summary
	Kinds   []KindCount
	// Retried counts files with more than one recorded result.
	Retried     int
	MaxAttempts int
	Stored      int
	Quarantined int
}

const errorKindsSQL = `
    WITH Latest AS (
        SELECT
            file_name, file_type, success, error_kind,
            ROW_NUMBER() OVER(PARTITION BY file_name ORDER BY result_id DESC) AS rn
        FROM file_results
        WHERE run_id = ?
    )
    SELECT file_type, COALESCE(error_kind, '') AS kind, COUNT(*) AS files
    FROM Latest
    WHERE rn = 1 AND NOT success
    GROUP BY file_type, kind
    ORDER BY file_type, kind;
`

const attemptsSQL = `
    SELECT
        COUNT(*) FILTER (WHERE attempts > 1) AS retried,
        COALESCE(MAX(attempts), 0)           AS max_attempts
    FROM (
        SELECT file_name, COUNT(*) AS attempts
        FROM file_results
        WHERE run_id = ?
        GROUP BY file_name
    );
`

// Analyse gathers the report for runID. The run must exist.
func Analyse(ctx context.Context, l *ledger.Ledger, runID string, sampleLimit int) (Analysis, error) {
	var a Analysis
	if _, err := l.GetRun(ctx, runID); err != nil {
		return a, err
	}

	var err error
	if a.Summary, err = l.Summarize(ctx, runID, sampleLimit); err != nil {
		return a, err
	}

	rows, err := l.DB().QueryContext(ctx, errorKindsSQL, runID)
	if err != nil {
		return a, fmt.Errorf("query error kinds for run %s: %w", runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.FileType, &kc.Kind, &kc.Files); err != nil {
			return a, fmt.Errorf("scan error kind row: %w", err)
		}
		a.Kinds = append(a.Kinds, kc)
	}
	if err := rows.Err(); err != nil {
		return a, fmt.Errorf("iterate error kind rows: %w", err)
	}

	if err := l.DB().QueryRowContext(ctx, attemptsSQL, runID).Scan(&a.Retried, &a.MaxAttempts); err != nil {
		return a, fmt.Errorf("query attempts for run %s: %w", runID, err)
	}

	if a.Stored, err = l.MoveCount(ctx, runID, string(filestate.Store)); err != nil {
		return a, err
	}
	if a.Quarantined, err = l.MoveCount(ctx, runID, string(filestate.Quarantine)); err != nil {
		return a, err
	}
	return a, nil
}

// Print writes the analysis as plain tables.
func (a Analysis) Print(w io.Writer) {
	succeeded, failed := a.Summary.Totals()
	fmt.Fprintf(w, "--- Run %s ---\n", a.Summary.RunID)
	fmt.Fprintf(w, "Files: %d succeeded, %d failed. Retried: %d (max %d attempts).\n", succeeded, failed, a.Retried, a.MaxAttempts)
	fmt.Fprintf(w, "Moved: %d stored, %d quarantined.\n\n", a.Stored, a.Quarantined)

	fmt.Fprintf(w, "%-24s | %-10s | %s\n", "File type", "Succeeded", "Failed")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, t := range a.Summary.Types {
		fmt.Fprintf(w, "%-24s | %-10d | %d\n", t.FileType, t.Succeeded, t.Failed)
	}

	if len(a.Kinds) > 0 {
		fmt.Fprintf(w, "\n%-24s | %-20s | %s\n", "File type", "Error kind", "Files")
		fmt.Fprintln(w, strings.Repeat("-", 60))
		for _, k := range a.Kinds {
			fmt.Fprintf(w, "%-24s | %-20s | %d\n", k.FileType, k.Kind, k.Files)
		}
	}

	if len(a.Summary.Samples) > 0 {
		fmt.Fprintln(w, "\nError samples:")
		for _, s := range a.Summary.Samples {
			fmt.Fprintf(w, "  %s [%s]: %s\n", s.FileName, s.ErrorKind, s.ErrorDetail)
		}
	}
}
