// Package export writes ledger results to Parquet files.
package export

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/brensch/stagehand/internal/ledger"
)

// ResultRow is the Parquet layout of one ledger result.
type ResultRow struct {
	RunID       string  `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	FileName    string  `parquet:"name=file_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	FileType    string  `parquet:"name=file_type, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Success     bool    `parquet:"name=success, type=BOOLEAN"`
	ErrorKind   *string `parquet:"name=error_kind, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	ErrorDetail *string `parquet:"name=error_detail, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	CreatedAt   int64   `parquet:"name=created_at, type=INT64, convertedtype=TIMESTAMP_MICROS"`
}

func toRow(r ledger.FileResult) ResultRow {
	row := ResultRow{
		RunID:     r.RunID,
		FileName:  r.FileName,
		FileType:  r.FileType,
		Success:   r.Success,
		CreatedAt: r.CreatedAt.UnixMicro(),
	}
	if r.ErrorKind != "" {
		kind := string(r.ErrorKind)
		row.ErrorKind = &kind
	}
	if r.ErrorDetail != "" {
		detail := r.ErrorDetail
		row.ErrorDetail = &detail
	}
	return row
}

// WriteResults writes results to a Snappy compressed Parquet file at path.
func WriteResults(path string, results []ledger.FileResult) (err error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet %s: %w", path, err)
	}
	defer func() {
		if cerr := fw.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close parquet %s: %w", path, cerr)
		}
	}()

	pw, err := writer.NewParquetWriter(fw, new(ResultRow), 4)
	if err != nil {
		return fmt.Errorf("init parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range results {
		if err := pw.Write(toRow(r)); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("write row for %s: %w", r.FileName, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalise parquet %s: %w", path, err)
	}
	return nil
}

// Run exports the results of runID. With latestOnly set only the latest
// result per file is written.
func Run(ctx context.Context, l *ledger.Ledger, logger *slog.Logger, runID, path string, latestOnly bool) (int, error) {
	var (
		results []ledger.FileResult
		err     error
	)
	if latestOnly {
		results, err = l.LatestForRun(ctx, runID)
	} else {
		results, err = l.ResultsForRun(ctx, runID)
	}
	if err != nil {
		return 0, err
	}
	if err := WriteResults(path, results); err != nil {
		return 0, err
	}
	logger.Info("Exported ledger results.", slog.String("run_id", runID), slog.String("path", path), slog.Int("rows", len(results)))
	return len(results), nil
}
