package convert

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"

	"exporthub/internal/store"
)

func toCSV(ctx context.Context, tasks []store.Task) ([]byte, error) {
	return toDelimited(tasks, ',')
}

func toTSV(ctx context.Context, tasks []store.Task) ([]byte, error) {
	return toDelimited(tasks, '\t')
}

func toDelimited(tasks []store.Task, comma rune) ([]byte, error) {
	records, columns, err := flatten(tasks)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = comma
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	row := make([]string, len(columns))
	for _, rec := range records {
		for i, col := range columns {
			row[i] = cell(rec.fields[col])
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toJSONMin keeps only task data and the flattened answers.
func toJSONMin(ctx context.Context, tasks []store.Task) ([]byte, error) {
	records, _, err := flatten(tasks)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.fields)
	}
	return json.MarshalIndent(out, "", "  ")
}
