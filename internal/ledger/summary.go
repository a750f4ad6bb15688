package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// TypeCount is the outcome tally of one file type.
type TypeCount struct {
	FileType  string
	Succeeded int
	Failed    int
}

// Summary describes how a run ended, based on the latest result per file.
type Summary struct {
	RunID   string
	Types   []TypeCount
	Samples []FileResult
}

// Totals sums the per-type counts.
func (s Summary) Totals() (succeeded, failed int) {
	for _, t := range s.Types {
		succeeded += t.Succeeded
		failed += t.Failed
	}
	return succeeded, failed
}

// Print writes one line per file type followed by the error samples.
func (s Summary) Print(w io.Writer) {
	for _, t := range s.Types {
		fmt.Fprintf(w, "  %-16s %d succeeded, %d failed\n", t.FileType+":", t.Succeeded, t.Failed)
	}
	for _, r := range s.Samples {
		fmt.Fprintf(w, "  error:   %s [%s] %s\n", r.FileName, r.ErrorKind, r.ErrorDetail)
	}
}

// LogAttr groups the per-type counts under "file_types" for a log record.
func (s Summary) LogAttr() slog.Attr {
	types := make([]any, 0, len(s.Types))
	for _, t := range s.Types {
		types = append(types, slog.Group(t.FileType, slog.Int("succeeded", t.Succeeded), slog.Int("failed", t.Failed)))
	}
	return slog.Group("file_types", types...)
}

// Summarize counts successes and failures per file type and collects up to
// sampleLimit failed results as error samples.
func (l *Ledger) Summarize(ctx context.Context, runID string, sampleLimit int) (Summary, error) {
	s := Summary{RunID: runID}

	rows, err := l.db.QueryContext(ctx, latestResultsSQL+`
        SELECT
            file_type,
            COUNT(*) FILTER (WHERE success)     AS succeeded,
            COUNT(*) FILTER (WHERE NOT success) AS failed
        FROM Latest WHERE rn = 1
        GROUP BY file_type
        ORDER BY file_type;
    `, runID)
	if err != nil {
		return s, fmt.Errorf("failed to summarise run %s: %w", runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var tc TypeCount
		if err := rows.Scan(&tc.FileType, &tc.Succeeded, &tc.Failed); err != nil {
			return s, fmt.Errorf("failed scanning summary row: %w", err)
		}
		s.Types = append(s.Types, tc)
	}
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("error iterating summary rows: %w", err)
	}

	if sampleLimit <= 0 {
		return s, nil
	}
	sampleRows, err := l.db.QueryContext(ctx, latestResultsSQL+`
        SELECT run_id, file_name, file_type, success, error_kind, error_detail, created_at
        FROM Latest WHERE rn = 1 AND NOT success
        ORDER BY file_name
        LIMIT ?;
    `, runID, sampleLimit)
	if err != nil {
		return s, fmt.Errorf("failed to query error samples for run %s: %w", runID, err)
	}
	s.Samples, err = scanResults(sampleRows)
	return s, err
}
