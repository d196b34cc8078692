package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/go-chi/chi/v5"

	"exporthub/internal/convert"
	"exporthub/internal/snapshot"
	"exporthub/internal/store"
)

// Mock Service
type mockService struct {
	pingErr error

	listResp []store.Export
	listErr  error

	createResp *store.Export
	createErr  error

	getResp *store.Export
	getErr  error

	deleteErr error

	ticket     *snapshot.ConversionTicket
	convertErr error

	download    *snapshot.Download
	downloadErr error

	exportNowErr error

	files    []snapshot.ExportFile
	filesErr error

	columns []string
	vizErr  error

	queryRows []map[string]interface{}
	queryErr  error

	// Spies (to verify arguments passed by handlers)
	capturedProjectID  int64
	capturedExportID   int64
	capturedExportType string
	capturedParams     snapshot.CreateExportParams
	capturedFilter     store.TaskFilter
	capturedQuery      snapshot.QueryParams
}

func (m *mockService) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockService) Formats() []convert.Format { return convert.DefaultRegistry().Formats() }

func (m *mockService) ListExports(ctx context.Context, projectID int64) ([]store.Export, error) {
	m.capturedProjectID = projectID
	return m.listResp, m.listErr
}

func (m *mockService) CreateExport(ctx context.Context, projectID int64, params snapshot.CreateExportParams) (*store.Export, error) {
	m.capturedProjectID = projectID
	m.capturedParams = params
	return m.createResp, m.createErr
}

func (m *mockService) GetExport(ctx context.Context, projectID, exportID int64) (*store.Export, error) {
	m.capturedProjectID, m.capturedExportID = projectID, exportID
	return m.getResp, m.getErr
}

func (m *mockService) DeleteExport(ctx context.Context, projectID, exportID int64) error {
	m.capturedProjectID, m.capturedExportID = projectID, exportID
	return m.deleteErr
}

func (m *mockService) RequestConversion(ctx context.Context, projectID, exportID int64, exportType string) (*snapshot.ConversionTicket, error) {
	m.capturedProjectID, m.capturedExportID, m.capturedExportType = projectID, exportID, exportType
	return m.ticket, m.convertErr
}

func (m *mockService) ResolveDownload(ctx context.Context, projectID, exportID int64, exportType string) (*snapshot.Download, error) {
	m.capturedProjectID, m.capturedExportID, m.capturedExportType = projectID, exportID, exportType
	return m.download, m.downloadErr
}

func (m *mockService) ExportNow(ctx context.Context, projectID int64, exportType string, filter store.TaskFilter) (*snapshot.Download, error) {
	m.capturedProjectID, m.capturedExportType, m.capturedFilter = projectID, exportType, filter
	if m.exportNowErr != nil {
		return nil, m.exportNowErr
	}
	return m.download, nil
}

func (m *mockService) ExportFiles(ctx context.Context, projectID int64) ([]snapshot.ExportFile, error) {
	m.capturedProjectID = projectID
	return m.files, m.filesErr
}

func (m *mockService) Visualization(ctx context.Context, projectID int64) ([]string, error) {
	m.capturedProjectID = projectID
	return m.columns, m.vizErr
}

func (m *mockService) QueryTasks(ctx context.Context, projectID int64, params snapshot.QueryParams) ([]map[string]interface{}, error) {
	m.capturedProjectID, m.capturedQuery = projectID, params
	return m.queryRows, m.queryErr
}

// router mirrors the controller's route tree without middleware.
func router(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.Healthz)
	r.Route("/api/projects/{projectID}", func(r chi.Router) {
		r.Get("/export/formats", h.Formats)
		r.Get("/export/files", h.ExportFiles)
		r.Get("/export", h.ExportNow)
		r.Get("/visualization", h.Visualization)
		r.Post("/visualization", h.QueryTasks)
		r.Get("/exports", h.ListExports)
		r.Post("/exports", h.CreateExport)
		r.Get("/exports/{exportID}", h.GetExport)
		r.Delete("/exports/{exportID}", h.DeleteExport)
		r.Get("/exports/{exportID}/download", h.Download)
		r.Post("/exports/{exportID}/convert", h.Convert)
	})
	return r
}

func serve(m *mockService, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router(New(m, nil)).ServeHTTP(rr, req)
	return rr
}

type closeSpy struct {
	*bytes.Reader
	closed bool
}

func (c *closeSpy) Close() error {
	c.closed = true
	return nil
}

func memDownload(name, contentType, body string) (*snapshot.Download, *closeSpy) {
	spy := &closeSpy{Reader: bytes.NewReader([]byte(body))}
	return &snapshot.Download{
		Ref:         "1/" + name,
		Name:        name,
		ContentType: contentType,
		ModTime:     time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC),
		Size:        int64(len(body)),
		Content:     spy,
	}, spy
}
