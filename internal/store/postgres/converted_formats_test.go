package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"exporthub/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

var cfColumns = []string{"id", "export_id", "export_type", "status", "file", "traceback", "created_at", "updated_at", "finished_at"}

func TestGetOrCreateConvertedFormat_Created(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO converted_formats .* ON CONFLICT \(export_id, export_type\) DO NOTHING RETURNING`).
		WithArgs(int64(7), "CSV", "created", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(cfColumns).
			AddRow(int64(42), int64(7), "CSV", "created", nil, nil, now, now, nil))

	cf, created, err := s.GetOrCreateConvertedFormat(context.Background(), 7, "CSV")
	if err != nil {
		t.Fatalf("GetOrCreateConvertedFormat failed: %v", err)
	}
	if !created {
		t.Error("expected created=true")
	}
	if cf.ID != 42 || cf.Status != store.StatusCreated {
		t.Errorf("unexpected row: %+v", cf)
	}
	if cf.File != nil {
		t.Errorf("expected no file, got %v", *cf.File)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetOrCreateConvertedFormat_Existing(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now()
	mock.ExpectQuery(`INSERT INTO converted_formats`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .* FROM converted_formats WHERE export_id = \$1 AND export_type = \$2`).
		WithArgs(int64(7), "CSV").
		WillReturnRows(sqlmock.NewRows(cfColumns).
			AddRow(int64(42), int64(7), "CSV", "in_progress", nil, nil, now, now, nil))

	cf, created, err := s.GetOrCreateConvertedFormat(context.Background(), 7, "CSV")
	if err != nil {
		t.Fatalf("GetOrCreateConvertedFormat failed: %v", err)
	}
	if created {
		t.Error("expected created=false for an existing row")
	}
	if cf.Status != store.StatusInProgress {
		t.Errorf("got status %s, want in_progress", cf.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetOrCreateConvertedFormat_MissingExport(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`INSERT INTO converted_formats`).
		WillReturnError(&pq.Error{Code: "23503"})

	_, _, err := s.GetOrCreateConvertedFormat(context.Background(), 99, "CSV")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetConvertedFormatByID_LocksInsideTx(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM converted_formats WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(cfColumns).
			AddRow(int64(42), int64(7), "CSV", "created", nil, nil, now, now, nil))
	mock.ExpectRollback()

	tx, err := s.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	defer tx.Rollback()

	cf, err := s.GetConvertedFormatByID(context.Background(), tx, 42)
	if err != nil {
		t.Fatalf("GetConvertedFormatByID failed: %v", err)
	}
	if cf.ExportType != "CSV" {
		t.Errorf("got export type %s", cf.ExportType)
	}
}

func TestGetConvertedFormatByID_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT .* FROM converted_formats WHERE id = \$1$`).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetConvertedFormatByID(context.Background(), nil, 5)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionConvertedFormat_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	file := "1/project-1-at-2024-01-01-10-00-abcdef12.csv"
	mock.ExpectExec(`UPDATE converted_formats SET status = \$1, .* WHERE id = \$6 AND status = ANY\(\$7\)`).
		WithArgs("completed", file, nil, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.TransitionConvertedFormat(context.Background(), nil, 42, store.Complete(file))
	if err != nil {
		t.Fatalf("TransitionConvertedFormat failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTransitionConvertedFormat_StatusConflict(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE converted_formats`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM converted_formats WHERE id = \$1`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))

	err := s.TransitionConvertedFormat(context.Background(), nil, 42, store.Start())
	if !errors.Is(err, store.ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict, got %v", err)
	}
}

func TestTransitionConvertedFormat_RowGone(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE converted_formats`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM converted_formats`).
		WillReturnError(sql.ErrNoRows)

	err := s.TransitionConvertedFormat(context.Background(), nil, 42, store.Fail("trace"))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionConvertedFormat_InvalidTransitionSkipsDB(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	tr := store.Transition{From: []store.Status{store.StatusCompleted}, To: store.StatusInProgress}
	err := s.TransitionConvertedFormat(context.Background(), nil, 42, tr)
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	// No query may have been issued.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database interaction: %v", err)
	}
}

func TestListConvertedFormats(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now()
	file := "7/a.csv"
	mock.ExpectQuery(`SELECT .* FROM converted_formats WHERE export_id = \$1 ORDER BY id ASC`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cfColumns).
			AddRow(int64(1), int64(7), "CSV", "completed", file, nil, now, now, now).
			AddRow(int64(2), int64(7), "TSV", "failed", nil, "boom", now, now, now))

	formats, err := s.ListConvertedFormats(context.Background(), 7)
	if err != nil {
		t.Fatalf("ListConvertedFormats failed: %v", err)
	}
	if len(formats) != 2 {
		t.Fatalf("expected 2 formats, got %d", len(formats))
	}
	if !formats[0].HasFile() || *formats[0].File != file {
		t.Errorf("expected file on first format, got %+v", formats[0])
	}
	if formats[1].Traceback == nil || *formats[1].Traceback != "boom" {
		t.Errorf("expected traceback on second format, got %+v", formats[1])
	}
}
