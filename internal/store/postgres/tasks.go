package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"exporthub/internal/store"

	"github.com/lib/pq"
)

// CreateTask inserts a task row. Empty data is stored as an empty object.
func (s *Store) CreateTask(ctx context.Context, task *store.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	data := task.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	query := `INSERT INTO tasks (project_id, data, created_at) VALUES ($1, $2, $3) RETURNING id`
	err := s.db.QueryRowContext(ctx, query, task.ProjectID, []byte(data), task.CreatedAt).Scan(&task.ID)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("project %d: %w", task.ProjectID, store.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *Store) CreateAnnotation(ctx context.Context, a *store.Annotation) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	result := a.Result
	if len(result) == 0 {
		result = json.RawMessage(`[]`)
	}

	query := `
		INSERT INTO annotations (task_id, result, completed_by, was_cancelled, ground_truth, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		a.TaskID, []byte(result), a.CompletedBy, a.WasCancelled, a.GroundTruth, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("task %d: %w", a.TaskID, store.ErrNotFound)
		}
		return err
	}
	return nil
}

// ListExportTasks loads matching tasks first, then all of their annotations in a single query.
func (s *Store) ListExportTasks(ctx context.Context, projectID int64, filter store.TaskFilter) ([]store.Task, error) {
	where := []string{"t.project_id = $1"}
	args := []interface{}{projectID}

	if len(filter.TaskIDs) > 0 {
		args = append(args, pq.Array(filter.TaskIDs))
		where = append(where, fmt.Sprintf("t.id = ANY($%d)", len(args)))
	}
	if filter.OnlyFinished {
		where = append(where, "EXISTS (SELECT 1 FROM annotations a WHERE a.task_id = t.id AND NOT a.was_cancelled)")
	}

	query := fmt.Sprintf(`
		SELECT t.id, t.project_id, t.data, t.created_at
		FROM tasks t
		WHERE %s
		ORDER BY t.id ASC
	`, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []store.Task
	index := map[int64]int{}
	var ids []int64
	for rows.Next() {
		var t store.Task
		var data []byte
		if err := rows.Scan(&t.ID, &t.ProjectID, &data, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Data = json.RawMessage(data)
		t.Annotations = []store.Annotation{}
		index[t.ID] = len(tasks)
		ids = append(ids, t.ID)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return tasks, nil
	}

	annRows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, result, completed_by, was_cancelled, ground_truth, created_at
		FROM annotations
		WHERE task_id = ANY($1)
		ORDER BY id ASC
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer annRows.Close()

	for annRows.Next() {
		var a store.Annotation
		var result []byte
		if err := annRows.Scan(&a.ID, &a.TaskID, &result, &a.CompletedBy, &a.WasCancelled, &a.GroundTruth, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		a.Result = json.RawMessage(result)
		if i, ok := index[a.TaskID]; ok {
			tasks[i].Annotations = append(tasks[i].Annotations, a)
		}
	}

	return tasks, annRows.Err()
}
