// Package main is the entry point for the exporthub worker.
// The worker consumes export and conversion jobs from a durable queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"exporthub/internal/app"
	"exporthub/internal/blob"
	"exporthub/internal/config"
	"exporthub/internal/convert"
	"exporthub/internal/dispatch"
	"exporthub/internal/logger"
	"exporthub/internal/observability"
	"exporthub/internal/snapshot"
	"exporthub/internal/worker"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: exporthub.yaml in current directory)")
	metricsAddr := flag.String("metrics-addr", ":6162", "Listen address of the metrics endpoint, empty disables it")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Durable() {
		return fmt.Errorf("dispatch.mode %s runs jobs inside the controller; the worker needs postgres or redis", cfg.DispatchMode)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "exporthub-worker", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Error("failed to shutdown metrics", "error", err)
		}
	}()

	backend, err := app.Open(ctx, cfg, false, log)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}
	defer backend.Close()

	if unregister, err := observability.RegisterQueueDepth(backend.Queue, backend.QueueName); err != nil {
		log.Warn("failed to register queue depth metric", "error", err)
	} else {
		defer unregister()
	}

	blobs, err := blob.NewLocalFS(cfg.StorageDir, cfg.StorageBaseURL)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	// The manager only runs jobs here; conversions it schedules go back to the queue.
	mux := dispatch.NewMux(log)
	manager := snapshot.New(backend.Store, blobs, convert.DefaultRegistry(), dispatch.NewQueued(backend.Queue), app.Features(cfg),
		snapshot.WithLogger(log))
	manager.RegisterJobs(mux)

	agent := worker.New(backend.Queue, mux, worker.AgentConfig{
		ID:           "worker-" + uuid.NewString()[:8],
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		MaxBackoff:   cfg.WorkerMaxBackoff,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("worker started", "concurrency", cfg.WorkerConcurrency, "queue", backend.QueueName)
		return agent.Run(gctx)
	})

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metricsHandler, ReadTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("worker metrics listening", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped")
	return nil
}
