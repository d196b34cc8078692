package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"exporthub/internal/store"

	"github.com/lib/pq"
)

const convertedFormatColumns = "id, export_id, export_type, status, file, traceback, created_at, updated_at, finished_at"

func scanConvertedFormat(row rowScanner) (*store.ConvertedFormat, error) {
	var c store.ConvertedFormat
	if err := row.Scan(
		&c.ID, &c.ExportID, &c.ExportType, &c.Status, &c.File, &c.Traceback,
		&c.CreatedAt, &c.UpdatedAt, &c.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOrCreateConvertedFormat relies on the (export_id, export_type) unique constraint:
// concurrent callers race on the insert and exactly one of them gets created=true.
func (s *Store) GetOrCreateConvertedFormat(ctx context.Context, exportID int64, exportType string) (*store.ConvertedFormat, bool, error) {
	now := time.Now().UTC()

	insert := `
		INSERT INTO converted_formats (export_id, export_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (export_id, export_type) DO NOTHING
		RETURNING ` + convertedFormatColumns

	cf, err := scanConvertedFormat(s.db.QueryRowContext(ctx, insert, exportID, exportType, string(store.StatusCreated), now))
	if err == nil {
		return cf, true, nil
	}
	if pgCode(err) == pgForeignKeyViolation {
		return nil, false, fmt.Errorf("export %d: %w", exportID, store.ErrNotFound)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert converted format: %w", err)
	}

	existing := "SELECT " + convertedFormatColumns + " FROM converted_formats WHERE export_id = $1 AND export_type = $2"
	cf, err = scanConvertedFormat(s.db.QueryRowContext(ctx, existing, exportID, exportType))
	if err != nil {
		return nil, false, fmt.Errorf("load existing converted format: %w", err)
	}
	return cf, false, nil
}

// GetConvertedFormatByID locks the row FOR UPDATE when called inside a transaction.
func (s *Store) GetConvertedFormatByID(ctx context.Context, tx store.DBTransaction, id int64) (*store.ConvertedFormat, error) {
	query := "SELECT " + convertedFormatColumns + " FROM converted_formats WHERE id = $1"
	if tx != nil {
		query += " FOR UPDATE"
	}

	cf, err := scanConvertedFormat(s.getExecutor(tx).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "converted format", id)
	}
	return cf, nil
}

func (s *Store) ListConvertedFormats(ctx context.Context, exportID int64) ([]store.ConvertedFormat, error) {
	query := "SELECT " + convertedFormatColumns + " FROM converted_formats WHERE export_id = $1 ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, exportID)
	if err != nil {
		return nil, fmt.Errorf("list converted formats: %w", err)
	}
	defer rows.Close()

	formats := []store.ConvertedFormat{}
	for rows.Next() {
		cf, err := scanConvertedFormat(rows)
		if err != nil {
			return nil, err
		}
		formats = append(formats, *cf)
	}
	return formats, rows.Err()
}

// TransitionConvertedFormat updates the row only while it is in one of t.From.
func (s *Store) TransitionConvertedFormat(ctx context.Context, tx store.DBTransaction, id int64, t store.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}
	executor := s.getExecutor(tx)

	at := t.Timestamp()
	var finishedAt *time.Time
	if t.To.Terminal() {
		finishedAt = &at
	}

	res, err := executor.ExecContext(ctx, `
		UPDATE converted_formats
		SET status = $1,
			file = COALESCE($2, file),
			traceback = COALESCE($3, traceback),
			updated_at = $4,
			finished_at = COALESCE($5, finished_at)
		WHERE id = $6 AND status = ANY($7)
	`, string(t.To), t.File, t.Traceback, at, finishedAt, id, pq.Array(t.FromStrings()))
	if err != nil {
		return fmt.Errorf("transition converted format %d: %w", id, err)
	}
	return s.checkTransition(ctx, executor, res, "converted_formats", id, t)
}

func (s *Store) DeleteConvertedFormat(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM converted_formats WHERE id = $1", id)
	return err
}
