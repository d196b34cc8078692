// Package analytics answers ad hoc questions over a project's flattened
// annotations: which columns are worth charting, and SQL over the rows.
package analytics

import (
	"encoding/json"
	"strings"
)

// Table is a set of flattened rows sharing column names.
type Table struct {
	Columns []string
	Rows    []map[string]interface{}
}

// modelColumns mark model output, which is never offered as a category.
var modelColumns = []string{"model_enh", "modelName"}

// Without returns a copy of t lacking the named columns.
func (t Table) Without(keys ...string) Table {
	drop := map[string]struct{}{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			drop[k] = struct{}{}
		}
	}
	if len(drop) == 0 {
		return t
	}

	out := Table{Rows: make([]map[string]interface{}, len(t.Rows))}
	for _, c := range t.Columns {
		if _, ok := drop[c]; !ok {
			out.Columns = append(out.Columns, c)
		}
	}
	for i, row := range t.Rows {
		kept := make(map[string]interface{}, len(row))
		for k, v := range row {
			if _, ok := drop[k]; !ok {
				kept[k] = v
			}
		}
		out.Rows[i] = kept
	}
	return out
}

// CategoricalColumns returns, in column order, the columns with fewer distinct
// values than half the row count where every value occurs in at least 1% of
// the rows. Missing cells count as one value. Columns holding lists or objects
// are skipped.
func CategoricalColumns(t Table) []string {
	n := len(t.Rows)
	threshold := n / 2
	minCount := int(0.01 * float64(n))

	out := []string{}
	for _, col := range t.Columns {
		if isModelColumn(col) {
			continue
		}
		counts, ok := valueCounts(t.Rows, col)
		if !ok || len(counts) >= threshold {
			continue
		}
		frequent := true
		for _, c := range counts {
			if c < minCount {
				frequent = false
				break
			}
		}
		if frequent {
			out = append(out, col)
		}
	}
	return out
}

func isModelColumn(col string) bool {
	for _, m := range modelColumns {
		if strings.Contains(col, m) {
			return true
		}
	}
	return false
}

// valueCounts tallies the values of col. ok is false when a value cannot be
// used as a category.
func valueCounts(rows []map[string]interface{}, col string) (map[string]int, bool) {
	counts := map[string]int{}
	for _, row := range rows {
		v := row[col]
		switch v.(type) {
		case []interface{}, map[string]interface{}:
			return nil, false
		}
		key, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		counts[string(key)]++
	}
	return counts, true
}
