package sink

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Dialect holds the column type names of one database.
type Dialect struct {
	Bigint    string
	Double    string
	Boolean   string
	Timestamp string
	Text      string
}

var (
	DuckDBDialect   = Dialect{Bigint: "BIGINT", Double: "DOUBLE", Boolean: "BOOLEAN", Timestamp: "TIMESTAMPTZ", Text: "VARCHAR"}
	PostgresDialect = Dialect{Bigint: "BIGINT", Double: "DOUBLE PRECISION", Boolean: "BOOLEAN", Timestamp: "TIMESTAMPTZ", Text: "TEXT"}
)

// ColumnType maps a normalised value to a column type. Unknown and nil
// values become text.
func (d Dialect) ColumnType(v any) string {
	switch v.(type) {
	case int, int32, int64:
		return d.Bigint
	case float32, float64:
		return d.Double
	case bool:
		return d.Boolean
	case time.Time:
		return d.Timestamp
	default:
		return d.Text
	}
}

// QuoteIdent quotes an identifier for both DuckDB and PostgreSQL.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func validIdent(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("empty identifier")
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("identifier %q contains a null byte", s)
	}
	return nil
}

// Columns returns the keys of row in sorted order.
func Columns(row Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for c := range row {
		if err := validIdent(c); err != nil {
			return nil, fmt.Errorf("invalid column: %w", err)
		}
		cols = append(cols, c)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("row has no columns")
	}
	sort.Strings(cols)
	return cols, nil
}

// Args lists the normalised values of row in column order.
func Args(row Row, cols []string) []any {
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = NormalizeValue(row[c])
	}
	return args
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "$" + strconv.Itoa(i+1)
	}
	return strings.Join(ph, ", ")
}

func quoteAll(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = QuoteIdent(c)
	}
	return strings.Join(q, ", ")
}

// InsertSQL builds a plain insert for cols.
func InsertSQL(table string, cols []string) (string, error) {
	if err := validIdent(table); err != nil {
		return "", fmt.Errorf("invalid table: %w", err)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", QuoteIdent(table), quoteAll(cols), placeholders(len(cols))), nil
}

// UpsertSQL builds an insert that updates every non-conflict column when a
// row with the same conflict columns already exists.
func UpsertSQL(table string, cols, conflictCols []string) (string, error) {
	insert, err := InsertSQL(table, cols)
	if err != nil {
		return "", err
	}
	if len(conflictCols) == 0 {
		return "", fmt.Errorf("upsert into %s needs at least one conflict column", table)
	}
	isConflict := make(map[string]bool, len(conflictCols))
	for _, c := range conflictCols {
		isConflict[c] = true
	}
	present := make(map[string]bool, len(cols))
	for _, c := range cols {
		present[c] = true
	}
	for _, c := range conflictCols {
		if !present[c] {
			return "", fmt.Errorf("conflict column %q missing from row for %s", c, table)
		}
	}

	var sets []string
	for _, c := range cols {
		if !isConflict[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", QuoteIdent(c), QuoteIdent(c)))
		}
	}
	if len(sets) == 0 {
		return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", insert, quoteAll(conflictCols)), nil
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", insert, quoteAll(conflictCols), strings.Join(sets, ", ")), nil
}

// CreateTableSQL builds CREATE TABLE IF NOT EXISTS with column types taken
// from sample.
func CreateTableSQL(d Dialect, table string, sample Row, key []string) (string, error) {
	if err := validIdent(table); err != nil {
		return "", fmt.Errorf("invalid table: %w", err)
	}
	cols, err := Columns(sample)
	if err != nil {
		return "", err
	}
	defs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		defs = append(defs, fmt.Sprintf("%s %s", QuoteIdent(c), d.ColumnType(NormalizeValue(sample[c]))))
	}
	if len(key) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", quoteAll(key)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", QuoteIdent(table), strings.Join(defs, ", ")), nil
}

// NormalizeValue turns decoded JSON into values both drivers bind directly:
// json.Number becomes int64 or float64, RFC 3339 strings become time.Time,
// nested objects and arrays become their JSON text.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case float64:
		if val == float64(int64(val)) && val < 1<<53 && val > -(1<<53) {
			return int64(val)
		}
		return val
	case string:
		if t, ok := parseTimestamp(val); ok {
			return t
		}
		if strings.ContainsRune(val, 0) {
			return strings.ReplaceAll(val, "\x00", "")
		}
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return v
	}
}

func parseTimestamp(s string) (time.Time, bool) {
	if len(s) < len("2006-01-02T15:04:05") || s[4] != '-' || s[10] != 'T' {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
