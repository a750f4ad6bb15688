package processor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/brensch/stagehand/internal/sink"
)

// Record types of a sectioned CSV file: a comment line, the header of a
// section and a data row. Header and data rows carry the record type, a
// report name, the section name and its version before the actual columns.
const (
	recordComment = "C"
	recordHeader  = "I"
	recordData    = "D"
	sectionPrefix = 4
)

var timestampLayouts = []string{"2006/01/02 15:04:05", "2006-01-02 15:04:05"}

// DecodeCSV reads a CSV file into records. A plain file has its header on
// the first line. A sectioned file (first field C or I) holds several
// sections; section picks one, and may be empty when the file has only one.
func DecodeCSV(r io.Reader, section string) ([]sink.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	first, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch strings.TrimSpace(first[0]) {
	case recordComment, recordHeader:
		return decodeSectioned(cr, first, section)
	}
	if section != "" {
		return nil, fmt.Errorf("section %q requested but the file is not sectioned", section)
	}
	return decodePlain(cr, first)
}

func decodePlain(cr *csv.Reader, header []string) ([]sink.Row, error) {
	var rows []sink.Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		row, err := makeRow(header, rec)
		if err != nil {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
}

func decodeSectioned(cr *csv.Reader, first []string, section string) ([]sink.Row, error) {
	var (
		rows     []sink.Row
		header   []string
		current  string
		sections []string
	)
	rec := first
	for {
		line, _ := cr.FieldPos(0)
		switch strings.TrimSpace(rec[0]) {
		case recordHeader:
			if len(rec) <= sectionPrefix {
				return nil, fmt.Errorf("line %d: malformed header record", line)
			}
			current = strings.TrimSpace(rec[2])
			sections = append(sections, current)
			header = rec[sectionPrefix:]
		case recordData:
			if header == nil {
				return nil, fmt.Errorf("line %d: data record before any header", line)
			}
			if section == "" || strings.EqualFold(section, current) {
				row, err := makeRow(header, rec[min(sectionPrefix, len(rec)):])
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", line, err)
				}
				rows = append(rows, row)
			}
		}

		var err error
		rec, err = cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if section == "" && len(sections) > 1 {
		return nil, fmt.Errorf("file has %d sections %v, pick one with section", len(sections), sections)
	}
	if section != "" && !containsFold(sections, section) {
		return nil, fmt.Errorf("section %q not found in %v", section, sections)
	}
	return rows, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func makeRow(header, values []string) (sink.Row, error) {
	if len(values) != len(header) {
		return nil, fmt.Errorf("%d values for %d columns", len(values), len(header))
	}
	row := make(sink.Row, len(header))
	for i, col := range header {
		row[strings.TrimSpace(col)] = inferValue(values[i])
	}
	return row, nil
}

// inferValue types a raw CSV field: empty is NULL, then boolean, integer,
// float and timestamp are tried before falling back to text.
func inferValue(raw string) any {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return nil
	case strings.EqualFold(s, "true"):
		return true
	case strings.EqualFold(s, "false"):
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if len(s) == len(timestampLayouts[0]) {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return s
}
