// Package snapshot manages export snapshots of a project and their conversions
// into other formats.
package snapshot

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"exporthub/internal/blob"
	"exporthub/internal/convert"
	"exporthub/internal/dispatch"
	"exporthub/internal/store"
)

// ListLimit caps ListExports when Features.LimitExportList is set.
const ListLimit = 100

// Features are the behavior toggles of the manager, fixed at construction.
type Features struct {
	// RemoveFilesOnDelete deletes stored artifacts before the export row.
	// When false only the row is removed (legacy mode) and artifacts are left behind.
	RemoveFilesOnDelete bool

	// AsyncConversion serves downloads from stored conversions.
	// When false downloads convert the snapshot on the fly.
	AsyncConversion bool

	// LimitExportList caps the export list at ListLimit entries.
	LimitExportList bool

	// NginxDownloads hands downloads over to the reverse proxy.
	NginxDownloads bool
}

// DefaultFeatures returns the production defaults.
func DefaultFeatures() Features {
	return Features{
		RemoveFilesOnDelete: true,
		AsyncConversion:     true,
		LimitExportList:     true,
	}
}

// Manager implements the export lifecycle.
type Manager struct {
	store      store.Store
	blobs      blob.Storage
	formats    *convert.Registry
	dispatcher dispatch.Dispatcher
	features   Features
	logger     *slog.Logger
	now        func() time.Time
	meters     metric.MeterProvider
	metrics    *metrics
	queryLimit time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for timestamps and file names.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMeterProvider records conversion metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) { m.meters = mp }
}

// New wires a Manager. Jobs are only executed once RegisterJobs is called on the
// Mux backing the dispatcher.
func New(st store.Store, blobs blob.Storage, formats *convert.Registry, d dispatch.Dispatcher, features Features, opts ...Option) *Manager {
	m := &Manager{
		store:      st,
		blobs:      blobs,
		formats:    formats,
		dispatcher: d,
		features:   features,
		logger:     slog.Default(),
		now:        time.Now,
		queryLimit: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = newMetrics(m.meters, m.logger)
	return m
}

// Features returns the toggles the manager was built with.
func (m *Manager) Features() Features {
	return m.features
}

// RegisterJobs installs the export and conversion job handlers on mux.
func (m *Manager) RegisterJobs(mux *dispatch.Mux) {
	mux.Handle(dispatch.KindExport, m.runExport, m.exportFailed)
	mux.Handle(dispatch.KindConvert, m.runConvert, m.conversionFailed)
}

// Formats lists the supported export formats.
func (m *Manager) Formats() []convert.Format {
	return m.formats.Formats()
}

// Ping checks the database.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// fileName builds project-{pid}-at-{YYYY-MM-DD-HH-MM}-{md5[:8]}.{ext} and its storage path.
func (m *Manager) fileName(projectID int64, data []byte, ext string) (name, path, sum string) {
	digest := md5.Sum(data)
	sum = hex.EncodeToString(digest[:])
	name = fmt.Sprintf("project-%d-at-%s-%s.%s", projectID, m.now().Format("2006-01-02-15-04"), sum[:8], ext)
	return name, fmt.Sprintf("%d/%s", projectID, name), sum
}

// getExport loads an export of the project, mapping a missing row to a not-found error.
func (m *Manager) getExport(ctx context.Context, projectID, exportID int64) (*store.Export, error) {
	e, err := m.store.GetExportByID(ctx, nil, projectID, exportID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundf("Export %d not found", exportID)
	}
	if err != nil {
		return nil, fmt.Errorf("get export %d: %w", exportID, err)
	}
	return e, nil
}
