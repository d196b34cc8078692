package convert

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"exporthub/internal/store"
)

// region is a single element of an annotation result.
type region struct {
	FromName string                     `json:"from_name"`
	ToName   string                     `json:"to_name"`
	Type     string                     `json:"type"`
	Value    map[string]json.RawMessage `json:"value"`
}

// valueKeys are the result value fields that carry the labeled answer, in lookup order.
var valueKeys = []string{"choices", "labels", "taxonomy", "text", "rating", "number", "textarea", "datetime"}

// record is one flattened annotation.
type record struct {
	fields  map[string]interface{}
	answers map[string]struct{}
}

// fixedColumns lead every table and are never taken from task data.
var fixedColumns = []string{"id", "annotation_id", "annotator", "created_at"}

var reservedColumns = func() map[string]struct{} {
	m := make(map[string]struct{}, len(fixedColumns))
	for _, c := range fixedColumns {
		m[c] = struct{}{}
	}
	return m
}()

// flatten produces one record per non-cancelled annotation, ordered by task then annotation.
func flatten(tasks []store.Task) ([]record, []string, error) {
	records, columns, err := flattenTasks(tasks, false)
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, ErrNoAnnotations
	}
	return records, columns, nil
}

// Records flattens tasks into rows keyed by column. Tasks without a usable
// annotation contribute one row of task data when includeUnannotated is set.
func Records(tasks []store.Task, includeUnannotated bool) ([]string, []map[string]interface{}, error) {
	records, columns, err := flattenTasks(tasks, includeUnannotated)
	if err != nil {
		return nil, nil, err
	}
	rows := make([]map[string]interface{}, len(records))
	for i, r := range records {
		rows[i] = r.fields
	}
	return columns, rows, nil
}

func flattenTasks(tasks []store.Task, includeUnannotated bool) ([]record, []string, error) {
	var records []record
	dataCols := map[string]struct{}{}
	resultCols := map[string]struct{}{}

	for _, task := range tasks {
		data, err := taskData(task)
		if err != nil {
			return nil, nil, err
		}

		emitted := false
		for _, ann := range task.Annotations {
			if ann.WasCancelled {
				continue
			}
			fields := map[string]interface{}{
				"id":            task.ID,
				"annotation_id": ann.ID,
				"created_at":    ann.CreatedAt.UTC().Format(time.RFC3339),
			}
			if ann.CompletedBy != nil {
				fields["annotator"] = *ann.CompletedBy
			}
			copyData(fields, data, dataCols)

			var regions []region
			if len(ann.Result) > 0 {
				if err := json.Unmarshal(ann.Result, &regions); err != nil {
					return nil, nil, err
				}
			}
			answers := map[string]struct{}{}
			for name, values := range collect(regions) {
				if _, reserved := reservedColumns[name]; reserved {
					continue
				}
				answers[name] = struct{}{}
				if len(values) == 1 {
					fields[name] = values[0]
				} else {
					fields[name] = values
				}
				resultCols[name] = struct{}{}
			}
			records = append(records, record{fields: fields, answers: answers})
			emitted = true
		}

		if !emitted && includeUnannotated {
			fields := map[string]interface{}{"id": task.ID}
			copyData(fields, data, dataCols)
			records = append(records, record{fields: fields, answers: map[string]struct{}{}})
		}
	}

	columns := append([]string{}, fixedColumns...)
	columns = append(columns, sortedKeys(dataCols)...)
	for _, k := range sortedKeys(resultCols) {
		if _, dup := dataCols[k]; !dup {
			columns = append(columns, k)
		}
	}
	return records, columns, nil
}

func taskData(task store.Task) (map[string]interface{}, error) {
	data := map[string]interface{}{}
	if len(task.Data) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(task.Data, &data); err != nil {
		// Scalar or array payloads are kept under a single column.
		var raw interface{}
		if err := json.Unmarshal(task.Data, &raw); err != nil {
			return nil, err
		}
		data = map[string]interface{}{"data": raw}
	}
	return data, nil
}

// copyData adds task data to fields, skipping the fixed column names.
func copyData(fields, data map[string]interface{}, cols map[string]struct{}) {
	for k, v := range data {
		if _, reserved := reservedColumns[k]; reserved {
			continue
		}
		fields[k] = v
		cols[k] = struct{}{}
	}
}

// collect groups region answers by from_name.
func collect(regions []region) map[string][]interface{} {
	out := map[string][]interface{}{}
	for _, r := range regions {
		if r.FromName == "" {
			continue
		}
		for _, key := range valueKeys {
			raw, ok := r.Value[key]
			if !ok {
				continue
			}
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				continue
			}
			if list, ok := v.([]interface{}); ok {
				out[r.FromName] = append(out[r.FromName], list...)
			} else {
				out[r.FromName] = append(out[r.FromName], v)
			}
			break
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cell renders a field for tabular output.
func cell(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
