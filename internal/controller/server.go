// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"exporthub/internal/controller/handlers"
	"exporthub/internal/controller/middleware"
)

// Options configures the HTTP server.
type Options struct {
	Addr    string
	Metrics http.Handler
	Logger  *slog.Logger

	// Per-project limit on snapshot creation and conversion requests. 0 disables.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(svc handlers.Service, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:        opts.Addr,
			Handler:     NewRouter(svc, opts),
			ReadTimeout: 10 * time.Second,
			// Downloads stream whole snapshots, so writes are not bounded.
			IdleTimeout: 60 * time.Second,
		},
	}
}

// NewRouter builds the route tree.
func NewRouter(svc handlers.Service, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h := handlers.New(svc, log)
	limit := middleware.NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst).Middleware()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/projects/{projectID}", func(r chi.Router) {
		r.Get("/export/formats", h.Formats)
		r.Get("/export/files", h.ExportFiles)
		r.Get("/export", h.ExportNow)

		r.Get("/visualization", h.Visualization)
		r.With(limit).Post("/visualization", h.QueryTasks)

		r.Get("/exports", h.ListExports)
		r.With(limit).Post("/exports", h.CreateExport)

		r.Route("/exports/{exportID}", func(r chi.Router) {
			r.Get("/", h.GetExport)
			r.Delete("/", h.DeleteExport)
			r.Get("/download", h.Download)
			r.With(limit).Post("/convert", h.Convert)
		})
	})

	return r
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
