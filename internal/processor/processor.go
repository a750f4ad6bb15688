// Package processor is the built-in file set processor: every file of a file
// set is decoded into records (JSON or CSV) that are written into a table
// named after the file type. Each file is written in its own transaction, so
// a bad record fails only the file that carries it.
package processor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/brensch/stagehand/internal/dispatch"
	"github.com/brensch/stagehand/internal/filestate"
	"github.com/brensch/stagehand/internal/fileset"
	"github.com/brensch/stagehand/internal/sink"
)

// Table describes where the records of one file type go.
type Table struct {
	// Name defaults to the lower-cased file type name.
	Name string
	// ConflictColumns switch writes from append to upsert.
	ConflictColumns []string
	// RecordsKey selects the list of records inside a top-level JSON object.
	RecordsKey string
	// Format is FormatJSON (the default) or FormatCSV.
	Format string
	// Section selects the rows of one section in a sectioned CSV file.
	Section string
}

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Processor implements dispatch.Processor.
type Processor struct {
	dirs   filestate.Directories
	tables map[string]Table
	logger *slog.Logger
}

var _ dispatch.Processor = (*Processor)(nil)

// New returns a processor reading files from the process directory of dirs.
func New(dirs filestate.Directories, tables map[string]Table, logger *slog.Logger) *Processor {
	return &Processor{dirs: dirs, tables: tables, logger: logger.With(slog.String("component", "processor"))}
}

func (p *Processor) tableFor(fileType string) Table {
	t := p.tables[fileType]
	if t.Name == "" {
		t.Name = strings.ToLower(fileType)
	}
	return t
}

// ProcessFileSet writes every file of fs. It only returns an error when ctx
// ends before all files were attempted.
func (p *Processor) ProcessFileSet(ctx context.Context, fs fileset.FileSet, sess sink.Session) ([]dispatch.FileOutcome, error) {
	files := fs.All()
	outcomes := make([]dispatch.FileOutcome, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := p.processFile(ctx, f, sess)
		if err != nil {
			p.logger.Warn("File failed.", slog.String("file", f.Name), slog.String("unit_key", fs.Key), "error", err)
		}
		outcomes = append(outcomes, dispatch.FileOutcome{FileName: f.Name, Err: err})
	}
	return outcomes, nil
}

func (p *Processor) processFile(ctx context.Context, f fileset.ManagedFile, sess sink.Session) (err error) {
	table := p.tableFor(f.Type.Name)

	data, err := os.ReadFile(p.dirs.FilePath(filestate.Process, f.Name))
	if err != nil {
		return fmt.Errorf("read %s: %w", f.Name, err)
	}
	rows, err := decode(data, table)
	if err != nil {
		return fmt.Errorf("decode %s: %w", f.Name, err)
	}
	if len(rows) == 0 {
		p.logger.Debug("File holds no records.", slog.String("file", f.Name))
		return nil
	}

	tx, err := sess.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if err = tx.EnsureTable(ctx, table.Name, schemaSample(rows), table.ConflictColumns); err != nil {
		return err
	}
	for i, row := range rows {
		if len(table.ConflictColumns) > 0 {
			err = tx.Upsert(ctx, table.Name, table.ConflictColumns, row)
		} else {
			err = tx.Append(ctx, table.Name, row)
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	p.logger.Debug("File written.", slog.String("file", f.Name), slog.String("table", table.Name), slog.Int("records", len(rows)))
	return nil
}

// SchemaRowLimit bounds how many records schemaSample looks at.
const SchemaRowLimit = 100

// schemaSample merges the first non-nil value of every column over the first
// SchemaRowLimit records, so a blank in the first record does not type its
// column as text.
func schemaSample(rows []sink.Row) sink.Row {
	sample := make(sink.Row, len(rows[0]))
	for i, row := range rows {
		if i >= SchemaRowLimit {
			break
		}
		missing := false
		for col, v := range row {
			if sample[col] == nil {
				sample[col] = v
			}
			if sample[col] == nil {
				missing = true
			}
		}
		if !missing && i > 0 {
			break
		}
	}
	return sample
}

func decode(data []byte, t Table) ([]sink.Row, error) {
	switch t.Format {
	case "", FormatJSON:
		return DecodeRecords(data, t.RecordsKey)
	case FormatCSV:
		return DecodeCSV(bytes.NewReader(data), t.Section)
	default:
		return nil, fmt.Errorf("unknown format %q", t.Format)
	}
}
