// Package main is the entry point for the exporthub controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"exporthub/internal/app"
	"exporthub/internal/blob"
	"exporthub/internal/config"
	"exporthub/internal/controller"
	"exporthub/internal/convert"
	"exporthub/internal/dispatch"
	"exporthub/internal/logger"
	"exporthub/internal/observability"
	"exporthub/internal/snapshot"
)

func main() {
	// Parse flags
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file (default: exporthub.yaml in current directory)")
	flag.Parse()

	if err := run(*configPath, *migrateFlag); err != nil {
		slog.Error("controller failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, migrate bool) error {
	// A missing .env is fine; the environment may be set by other means.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "exporthub-controller", cfg.OTELEndpoint)
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

	backend, err := app.Open(ctx, cfg, migrate, log)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}
	defer backend.Close()

	if backend.Queue != nil {
		unregister, err := observability.RegisterQueueDepth(backend.Queue, backend.QueueName)
		if err != nil {
			log.Warn("failed to register queue depth metric", "error", err)
		} else {
			defer unregister()
		}
	}

	blobs, err := blob.NewLocalFS(cfg.StorageDir, cfg.StorageBaseURL)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	mux := dispatch.NewMux(log)
	dispatcher, pool, err := app.Dispatcher(cfg, backend, mux, log)
	if err != nil {
		return err
	}
	manager := snapshot.New(backend.Store, blobs, convert.DefaultRegistry(), dispatcher, app.Features(cfg),
		snapshot.WithLogger(log), snapshot.WithQueryTimeout(cfg.QueryTimeout))
	manager.RegisterJobs(mux)

	srv := controller.New(manager, controller.Options{
		Addr:           fmt.Sprintf(":%d", cfg.HTTPPort),
		Metrics:        metricsHandler,
		Logger:         log,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	g, gctx := errgroup.WithContext(ctx)
	if pool != nil {
		// Pool jobs outlive the request that queued them and are drained on shutdown.
		pool.Start(context.WithoutCancel(ctx))
		g.Go(func() error {
			<-gctx.Done()
			log.Info("draining background jobs")
			return pool.Close()
		})
	}
	g.Go(func() error {
		log.Info("exporthub controller starting", "port", cfg.HTTPPort, "dispatch", cfg.DispatchMode)
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("controller exited properly")
	return nil
}
