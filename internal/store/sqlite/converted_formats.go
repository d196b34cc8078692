package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"exporthub/internal/store"

	sq "github.com/Masterminds/squirrel"
)

var convertedFormatColumns = []string{
	"id", "export_id", "export_type", "status", "file", "traceback",
	"created_at", "updated_at", "finished_at",
}

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

// GetOrCreateConvertedFormat inserts with ON CONFLICT DO NOTHING; an empty RETURNING means another caller won.
func (s *Store) GetOrCreateConvertedFormat(ctx context.Context, exportID int64, exportType string) (*store.ConvertedFormat, bool, error) {
	now := time.Now().UTC()

	query, args, err := s.sb.Insert("converted_formats").
		Columns("export_id", "export_type", "status", "created_at", "updated_at").
		Values(exportID, exportType, string(store.StatusCreated), now, now).
		Suffix("ON CONFLICT (export_id, export_type) DO NOTHING RETURNING " + strings.Join(convertedFormatColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, false, err
	}

	cf, err := scanConvertedFormat(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return cf, true, nil
	}
	if isForeignKeyViolation(err) {
		return nil, false, fmt.Errorf("export %d: %w", exportID, store.ErrNotFound)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert converted format: %w", err)
	}

	query, args, err = s.sb.Select(convertedFormatColumns...).
		From("converted_formats").
		Where(sq.Eq{"export_id": exportID, "export_type": exportType}).
		ToSql()
	if err != nil {
		return nil, false, err
	}
	cf, err = scanConvertedFormat(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, false, fmt.Errorf("load existing converted format: %w", err)
	}
	return cf, false, nil
}

// GetConvertedFormatByID reads the row; SQLite serializes writers, so no row lock is taken.
func (s *Store) GetConvertedFormatByID(ctx context.Context, tx store.DBTransaction, id int64) (*store.ConvertedFormat, error) {
	query, args, err := s.sb.Select(convertedFormatColumns...).
		From("converted_formats").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	cf, err := scanConvertedFormat(s.getExecutor(tx).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, notFound(err, "converted format", id)
	}
	return cf, nil
}

func (s *Store) ListConvertedFormats(ctx context.Context, exportID int64) ([]store.ConvertedFormat, error) {
	query, args, err := s.sb.Select(convertedFormatColumns...).
		From("converted_formats").
		Where(sq.Eq{"export_id": exportID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *Store) TransitionConvertedFormat(ctx context.Context, tx store.DBTransaction, id int64, t store.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}
	at := t.Timestamp()

	u := s.sb.Update("converted_formats").
		Set("status", string(t.To)).
		Set("updated_at", at).
		Where(sq.Eq{"id": id, "status": t.FromStrings()})
	if t.To.Terminal() {
		u = u.Set("finished_at", at)
	}
	if t.File != nil {
		u = u.Set("file", *t.File)
	}
	if t.Traceback != nil {
		u = u.Set("traceback", *t.Traceback)
	}

	return s.applyTransition(ctx, s.getExecutor(tx), u, "converted_formats", id, t)
}

func (s *Store) DeleteConvertedFormat(ctx context.Context, id int64) error {
	query, args, err := s.sb.Delete("converted_formats").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}
