package processor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/brensch/stagehand/internal/sink"
)

// DecodeRecords accepts a JSON array of objects, an object holding such an
// array under recordsKey, or a single object.
func DecodeRecords(data []byte, recordsKey string) ([]sink.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	switch v := doc.(type) {
	case []any:
		return toRows(v)
	case map[string]any:
		if recordsKey == "" {
			return []sink.Row{v}, nil
		}
		inner, ok := v[recordsKey]
		if !ok {
			return nil, fmt.Errorf("records key %q not found", recordsKey)
		}
		list, ok := inner.([]any)
		if !ok {
			return nil, fmt.Errorf("records key %q does not hold a list", recordsKey)
		}
		return toRows(list)
	default:
		return nil, fmt.Errorf("unsupported top-level JSON value %T", doc)
	}
}

func toRows(list []any) ([]sink.Row, error) {
	rows := make([]sink.Row, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("record %d is %T, not an object", i, item)
		}
		rows = append(rows, obj)
	}
	return rows, nil
}
