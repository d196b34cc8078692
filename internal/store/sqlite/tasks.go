package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"exporthub/internal/store"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateProject(ctx context.Context, p *store.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	query, args, err := s.sb.Insert("projects").
		Columns("title", "created_at").
		Values(p.Title, p.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, query, args...).Scan(&p.ID)
}

func (s *Store) GetProjectByID(ctx context.Context, id int64) (*store.Project, error) {
	query, args, err := s.sb.Select("id", "title", "created_at").
		From("projects").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var p store.Project
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.Title, &p.CreatedAt); err != nil {
		return nil, notFound(err, "project", id)
	}
	return &p, nil
}

func (s *Store) CreateTask(ctx context.Context, t *store.Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	data := t.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	query, args, err := s.sb.Insert("tasks").
		Columns("project_id", "data", "created_at").
		Values(t.ProjectID, string(data), t.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return err
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&t.ID); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("project %d: %w", t.ProjectID, store.ErrNotFound)
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

	query, args, err := s.sb.Insert("annotations").
		Columns("task_id", "result", "completed_by", "was_cancelled", "ground_truth", "created_at").
		Values(a.TaskID, string(result), a.CompletedBy, a.WasCancelled, a.GroundTruth, a.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return err
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&a.ID); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("task %d: %w", a.TaskID, store.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *Store) ListExportTasks(ctx context.Context, projectID int64, filter store.TaskFilter) ([]store.Task, error) {
	q := s.sb.Select("t.id", "t.project_id", "t.data", "t.created_at").
		From("tasks t").
		Where(sq.Eq{"t.project_id": projectID}).
		OrderBy("t.id ASC")
	if len(filter.TaskIDs) > 0 {
		q = q.Where(sq.Eq{"t.id": filter.TaskIDs})
	}
	if filter.OnlyFinished {
		q = q.Where("EXISTS (SELECT 1 FROM annotations a WHERE a.task_id = t.id AND a.was_cancelled = 0)")
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := []store.Task{}
	index := map[int64]int{}
	var ids []int64
	for rows.Next() {
		var t store.Task
		var data []byte
		if err := rows.Scan(&t.ID, &t.ProjectID, &data, &t.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Data = json.RawMessage(data)
		t.Annotations = []store.Annotation{}
		index[t.ID] = len(tasks)
		ids = append(ids, t.ID)
		tasks = append(tasks, t)
	}
	// Close before the next query: the pool holds a single connection.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return tasks, nil
	}

	query, args, err = s.sb.Select("id", "task_id", "result", "completed_by", "was_cancelled", "ground_truth", "created_at").
		From("annotations").
		Where(sq.Eq{"task_id": ids}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	annRows, err := s.db.QueryContext(ctx, query, args...)
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
