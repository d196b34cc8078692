package convert

import (
	"context"
	"fmt"
	"sort"

	"github.com/johnfercher/maroto/pkg/consts"
	"github.com/johnfercher/maroto/pkg/pdf"
	"github.com/johnfercher/maroto/pkg/props"

	"exporthub/internal/store"
)

const (
	titleHeight = 12.0
	rowHeight   = 7.0
)

type count struct {
	value string
	n     int
}

// toPDF renders a summary of answers per control tag.
func toPDF(ctx context.Context, tasks []store.Task) ([]byte, error) {
	records, _, err := flatten(tasks)
	if err != nil {
		return nil, err
	}

	controls := map[string]map[string]int{}
	taskIDs := map[int64]struct{}{}
	for _, rec := range records {
		if id, ok := rec.fields["id"].(int64); ok {
			taskIDs[id] = struct{}{}
		}
		for name, v := range rec.fields {
			if !isAnswer(name, rec) {
				continue
			}
			if controls[name] == nil {
				controls[name] = map[string]int{}
			}
			if list, ok := v.([]interface{}); ok {
				for _, item := range list {
					controls[name][cell(item)]++
				}
				continue
			}
			controls[name][cell(v)]++
		}
	}

	m := pdf.NewMaroto(consts.Portrait, consts.A4)
	m.Row(titleHeight, func() {
		m.Col(12, func() {
			m.Text("Annotation summary", props.Text{Size: 16, Style: consts.Bold, Align: consts.Left})
		})
	})
	m.Row(rowHeight, func() {
		m.Col(12, func() {
			m.Text(fmt.Sprintf("%d tasks, %d annotations", len(taskIDs), len(records)), props.Text{Size: 10})
		})
	})

	names := make([]string, 0, len(controls))
	for name := range controls {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.Row(titleHeight, func() {
			m.Col(12, func() {
				m.Text(name, props.Text{Top: 4, Size: 12, Style: consts.Bold})
			})
		})
		for _, c := range sortedCounts(controls[name]) {
			c := c
			m.Row(rowHeight, func() {
				m.Col(9, func() {
					m.Text(c.value, props.Text{Size: 10})
				})
				m.Col(3, func() {
					m.Text(fmt.Sprintf("%d", c.n), props.Text{Size: 10, Align: consts.Right})
				})
			})
		}
	}

	buf, err := m.Output()
	if err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// isAnswer reports whether a flattened field came from an annotation result.
func isAnswer(name string, rec record) bool {
	switch name {
	case "id", "annotation_id", "annotator", "created_at":
		return false
	}
	_, ok := rec.answers[name]
	return ok
}

func sortedCounts(m map[string]int) []count {
	out := make([]count, 0, len(m))
	for v, n := range m {
		out = append(out, count{value: v, n: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].value < out[j].value
	})
	return out
}
