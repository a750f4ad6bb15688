package ledger

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

// Outcome filters for DisplayHistory.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// DisplayHistory prints recent results, newest first.
func (l *Ledger) DisplayHistory(ctx context.Context, w io.Writer, runID, outcome string, limit int) error {
	query := `
        SELECT run_id, file_name, file_type, success, error_kind, error_detail, created_at
        FROM file_results
    `
	conditions := []string{}
	args := []any{}
	argCounter := 1 // Start with $1 for positional args

	if runID != "" {
		conditions = append(conditions, fmt.Sprintf("run_id = $%d", argCounter))
		args = append(args, runID)
		argCounter++
	}
	switch outcome {
	case "":
	case OutcomeSuccess:
		conditions = append(conditions, "success")
	case OutcomeFailure:
		conditions = append(conditions, "NOT success")
	default:
		return fmt.Errorf("invalid outcome filter %q (use %s or %s)", outcome, OutcomeSuccess, OutcomeFailure)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY result_id DESC LIMIT $%d", argCounter)
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query result history: %w \n Query: %s \n Args: %v", err, query, args)
	}
	results, err := scanResults(rows)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "--- Result History (Limit %d) ---\n", limit)
	fmt.Fprintf(w, "%-36s | %-45s | %-12s | %-7s | %-25s | %s\n", "Run", "File", "Type", "Outcome", "Recorded (UTC)", "Error")
	fmt.Fprintln(w, strings.Repeat("-", 150))
	for _, r := range results {
		status := "ok"
		details := ""
		if !r.Success {
			status = "failed"
			details = string(r.ErrorKind)
			if r.ErrorDetail != "" {
				details += ": " + r.ErrorDetail
			}
		}
		fmt.Fprintf(w, "%-36s | %-45s | %-12s | %-7s | %-25s | %s\n",
			r.RunID, r.FileName, r.FileType, status, r.CreatedAt.Format(time.RFC3339), details)
	}
	fmt.Fprintf(w, "Displayed %d records.\n", len(results))
	return nil
}
