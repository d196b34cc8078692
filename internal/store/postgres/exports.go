package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"exporthub/internal/store"

	"github.com/lib/pq"
)

const exportColumns = "id, project_id, title, created_by, status, file, md5, counters, traceback, created_at, updated_at, finished_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
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

// CreateExport inserts a new snapshot row in the created state.
func (s *Store) CreateExport(ctx context.Context, tx store.DBTransaction, e *store.Export) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	if e.Status == "" {
		e.Status = store.StatusCreated
	}

	counters, err := json.Marshal(e.Counters)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO exports (project_id, title, created_by, status, counters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err = s.getExecutor(tx).QueryRowContext(ctx, query,
		e.ProjectID, e.Title, e.CreatedBy, string(e.Status), counters, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("project %d: %w", e.ProjectID, store.ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *Store) GetExportByID(ctx context.Context, tx store.DBTransaction, projectID, id int64) (*store.Export, error) {
	query := "SELECT " + exportColumns + " FROM exports WHERE id = $1 AND project_id = $2"
	e, err := scanExport(s.getExecutor(tx).QueryRowContext(ctx, query, id, projectID))
	if err != nil {
		return nil, notFound(err, "export", id)
	}
	return e, nil
}

func (s *Store) ListExports(ctx context.Context, projectID int64, limit int) ([]store.Export, error) {
	query := "SELECT " + exportColumns + " FROM exports WHERE project_id = $1 ORDER BY created_at DESC, id DESC"
	args := []interface{}{projectID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
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

// TransitionExport updates the row only while it is in one of t.From.
func (s *Store) TransitionExport(ctx context.Context, tx store.DBTransaction, id int64, t store.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}
	executor := s.getExecutor(tx)

	at := t.Timestamp()
	var finishedAt *time.Time
	if t.To.Terminal() {
		finishedAt = &at
	}
	var counters interface{}
	if t.Counters != nil {
		b, err := json.Marshal(t.Counters)
		if err != nil {
			return err
		}
		counters = b
	}

	res, err := executor.ExecContext(ctx, `
		UPDATE exports
		SET status = $1,
			file = COALESCE($2, file),
			md5 = COALESCE($3, md5),
			traceback = COALESCE($4, traceback),
			counters = COALESCE($5, counters),
			updated_at = $6,
			finished_at = COALESCE($7, finished_at)
		WHERE id = $8 AND status = ANY($9)
	`, string(t.To), t.File, t.MD5, t.Traceback, counters, at, finishedAt, id, pq.Array(t.FromStrings()))
	if err != nil {
		return fmt.Errorf("transition export %d: %w", id, err)
	}
	return s.checkTransition(ctx, executor, res, "exports", id, t)
}

func (s *Store) DeleteExport(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM exports WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete export %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("export %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// checkTransition distinguishes a vanished row from one that moved on when the CAS matched nothing.
func (s *Store) checkTransition(ctx context.Context, executor store.DBTransaction, res sql.Result, table string, id int64, t store.Transition) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = executor.QueryRowContext(ctx, "SELECT status FROM "+table+" WHERE id = $1", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", table, id, store.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %d is %s, expected one of %v: %w", table, id, current, t.From, store.ErrStatusConflict)
}
