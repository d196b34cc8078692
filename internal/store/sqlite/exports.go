package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"exporthub/internal/store"

	sq "github.com/Masterminds/squirrel"
)

var exportColumns = []string{
	"id", "project_id", "title", "created_by", "status", "file", "md5",
	"counters", "traceback", "created_at", "updated_at", "finished_at",
}

func scanExport(row rowScanner) (*store.Export, error) {
	var e store.Export
	var counters []byte
	if err := row.Scan(
		&e.ID, &e.ProjectID, &e.Title, &e.CreatedBy, &e.Status,
		&e.File, &e.MD5, &counters, &e.Traceback,
		&e.CreatedAt, &e.UpdatedAt, &e.FinishedAt,
	); err != nil {
		return nil, err
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &e.Counters); err != nil {
			return nil, fmt.Errorf("decode counters of export %d: %w", e.ID, err)
		}
	}
	return &e, nil
}

func (s *Store) CreateExport(ctx context.Context, tx store.DBTransaction, e *store.Export) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.UpdatedAt = e.CreatedAt
	if e.Status == "" {
		e.Status = store.StatusCreated
	}
	counters, err := json.Marshal(e.Counters)
	if err != nil {
		return err
	}

	query, args, err := s.sb.Insert("exports").
		Columns("project_id", "title", "created_by", "status", "counters", "created_at", "updated_at").
		Values(e.ProjectID, e.Title, e.CreatedBy, string(e.Status), string(counters), e.CreatedAt, e.UpdatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return err
	}
	if err := s.getExecutor(tx).QueryRowContext(ctx, query, args...).Scan(&e.ID); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("project %d: %w", e.ProjectID, store.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *Store) GetExportByID(ctx context.Context, tx store.DBTransaction, projectID, id int64) (*store.Export, error) {
	query, args, err := s.sb.Select(exportColumns...).
		From("exports").
		Where(sq.Eq{"id": id, "project_id": projectID}).
		ToSql()
	if err != nil {
		return nil, err
	}
	e, err := scanExport(s.getExecutor(tx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, "export", id)
	}
	return e, nil
}

func (s *Store) ListExports(ctx context.Context, projectID int64, limit int) ([]store.Export, error) {
	q := s.sb.Select(exportColumns...).
		From("exports").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exports: %w", err)
	}
	defer rows.Close()

	exports := []store.Export{}
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		exports = append(exports, *e)
	}
	return exports, rows.Err()
}

func (s *Store) TransitionExport(ctx context.Context, tx store.DBTransaction, id int64, t store.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}
	at := t.Timestamp()

	u := s.sb.Update("exports").
		Set("status", string(t.To)).
		Set("updated_at", at).
		Where(sq.Eq{"id": id, "status": t.FromStrings()})
	if t.To.Terminal() {
		u = u.Set("finished_at", at)
	}
	if t.File != nil {
		u = u.Set("file", *t.File)
	}
	if t.MD5 != nil {
		u = u.Set("md5", *t.MD5)
	}
	if t.Traceback != nil {
		u = u.Set("traceback", *t.Traceback)
	}
	if t.Counters != nil {
		b, err := json.Marshal(t.Counters)
		if err != nil {
			return err
		}
		u = u.Set("counters", string(b))
	}

	return s.applyTransition(ctx, s.getExecutor(tx), u, "exports", id, t)
}

func (s *Store) DeleteExport(ctx context.Context, id int64) error {
	query, args, err := s.sb.Delete("exports").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete export %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("export %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// applyTransition runs the guarded update and explains a miss.
func (s *Store) applyTransition(ctx context.Context, executor store.DBTransaction, u sq.UpdateBuilder, table string, id int64, t store.Transition) error {
	query, args, err := u.ToSql()
	if err != nil {
		return err
	}
	res, err := executor.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition %s %d: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = executor.QueryRowContext(ctx, "SELECT status FROM "+table+" WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", table, id, store.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %d is %s, expected one of %v: %w", table, id, current, t.From, store.ErrStatusConflict)
}
