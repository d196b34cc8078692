package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"exporthub/internal/analytics"
	"exporthub/internal/convert"
	"exporthub/internal/logger"
	"exporthub/internal/store"
)

// DefaultQueryTimeout bounds QueryTasks unless WithQueryTimeout says otherwise.
const DefaultQueryTimeout = analytics.DefaultTimeout

// WithQueryTimeout bounds every QueryTasks call.
func WithQueryTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.queryLimit = d
		}
	}
}

// QueryParams narrow the rows a query sees.
type QueryParams struct {
	SQL string
	// IncludeAllTasks adds tasks without annotations as data-only rows.
	IncludeAllTasks bool
	// IgnoreKeys are columns dropped before the query runs.
	IgnoreKeys []string
}

// ExportFile is a completed snapshot file of a project.
type ExportFile struct {
	Name string
	URL  string
}

// Visualization lists the categorical columns over every task of the project.
func (m *Manager) Visualization(ctx context.Context, projectID int64) ([]string, error) {
	table, err := m.table(ctx, projectID, true)
	if err != nil {
		return nil, err
	}
	return analytics.CategoricalColumns(table), nil
}

// QueryTasks runs a read-only SQL query over the project's flattened rows,
// exposed as table df.
func (m *Manager) QueryTasks(ctx context.Context, projectID int64, params QueryParams) ([]map[string]interface{}, error) {
	if strings.TrimSpace(params.SQL) == "" {
		return nil, validationf("No SQL query provided")
	}
	table, err := m.table(ctx, projectID, params.IncludeAllTasks)
	if err != nil {
		return nil, err
	}

	rows, err := analytics.Query(ctx, table.Without(params.IgnoreKeys...), params.SQL, m.queryLimit)
	switch {
	case errors.Is(err, analytics.ErrQueryTimeout):
		return nil, validationf("Query timed out after %s", m.queryLimit)
	case errors.Is(err, analytics.ErrQuery):
		return nil, &Error{Kind: store.ErrValidation, Message: err.Error()}
	case err != nil:
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	logger.FromContext(ctx, m.logger).Debug("task query finished", "project_id", projectID, "rows", len(rows))
	return rows, nil
}

// ExportFiles lists the project's completed snapshot files, newest name first.
func (m *Manager) ExportFiles(ctx context.Context, projectID int64) ([]ExportFile, error) {
	if err := m.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	exports, err := m.store.ListExports(ctx, projectID, 0)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}

	files := []ExportFile{}
	for _, e := range exports {
		if e.Status != store.StatusCompleted || !e.HasFile() {
			continue
		}
		base := path.Base(*e.File)
		files = append(files, ExportFile{
			Name: strings.TrimSuffix(base, path.Ext(base)),
			URL:  fmt.Sprintf("/api/projects/%d/exports/%d/download", projectID, e.ID),
		})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Name > files[j].Name })
	return files, nil
}

// table flattens the project's tasks. Without includeAll only annotated tasks are read.
func (m *Manager) table(ctx context.Context, projectID int64, includeAll bool) (analytics.Table, error) {
	if err := m.requireProject(ctx, projectID); err != nil {
		return analytics.Table{}, err
	}
	tasks, err := m.store.ListExportTasks(ctx, projectID, store.TaskFilter{OnlyFinished: !includeAll})
	if err != nil {
		return analytics.Table{}, fmt.Errorf("list tasks: %w", err)
	}
	columns, rows, err := convert.Records(tasks, includeAll)
	if err != nil {
		return analytics.Table{}, fmt.Errorf("flatten tasks: %w", err)
	}
	return analytics.Table{Columns: columns, Rows: rows}, nil
}

func (m *Manager) requireProject(ctx context.Context, projectID int64) error {
	if _, err := m.store.GetProjectByID(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundf("Project %d not found", projectID)
		}
		return fmt.Errorf("get project %d: %w", projectID, err)
	}
	return nil
}
