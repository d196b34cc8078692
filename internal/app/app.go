// Package app wires configuration into the stores, queues and dispatchers shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"exporthub/internal/config"
	"exporthub/internal/dispatch"
	"exporthub/internal/queue/redis"
	"exporthub/internal/snapshot"
	"exporthub/internal/store"
	"exporthub/internal/store/postgres"
	"exporthub/internal/store/sqlite"
)

// Backend holds the database and, in durable dispatch modes, the job queue.
type Backend struct {
	Store store.Store
	// Queue is nil for the inline and pool modes.
	Queue store.Queue
	// QueueName labels the queue in metrics.
	QueueName string

	closers []func() error
}

// Open connects to the configured database. Postgres migrations only run when
// migrate is set; sqlite databases are always migrated on open.
func Open(ctx context.Context, cfg *config.Config, migrate bool, log *slog.Logger) (*Backend, error) {
	b := &Backend{}

	if cfg.IsSQLite() {
		st, err := sqlite.New(ctx, cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		b.Store = st
		b.closers = append(b.closers, st.Close)
	} else {
		st, err := postgres.New(ctx, cfg.DatabaseURL, postgres.WithVisibilityTimeout(cfg.QueueVisibilityTimeout))
		if err != nil {
			return nil, err
		}
		b.Store = st
		b.closers = append(b.closers, st.Close)

		if migrate {
			log.Info("running database migrations")
			if err := postgres.Migrate(st.DB()); err != nil {
				b.Close()
				return nil, err
			}
		}
		if cfg.DispatchMode == config.DispatchPostgres {
			b.Queue, b.QueueName = st, "postgres"
		}
	}

	if cfg.DispatchMode == config.DispatchRedis {
		q, err := redis.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			redis.WithKey(cfg.Redis.QueueKey),
			redis.WithVisibilityTimeout(cfg.QueueVisibilityTimeout),
		)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Queue, b.QueueName = q, "redis"
		b.closers = append(b.closers, q.Close)
	}

	return b, nil
}

// Close releases every connection, newest first.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Dispatcher returns the job transport for cfg.DispatchMode. In pool mode the
// returned *dispatch.Pool is also the dispatcher and must be started by the caller.
func Dispatcher(cfg *config.Config, b *Backend, mux *dispatch.Mux, log *slog.Logger) (dispatch.Dispatcher, *dispatch.Pool, error) {
	switch cfg.DispatchMode {
	case config.DispatchInline:
		return dispatch.NewInline(mux), nil, nil
	case config.DispatchPool:
		workers := cfg.WorkerConcurrency
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
		pool := dispatch.NewPool(mux, workers, workers*4, log)
		return pool, pool, nil
	case config.DispatchPostgres, config.DispatchRedis:
		if b.Queue == nil {
			return nil, nil, fmt.Errorf("dispatch mode %s has no queue", cfg.DispatchMode)
		}
		return dispatch.NewQueued(b.Queue), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown dispatch mode %q", cfg.DispatchMode)
	}
}

// Features maps the configuration toggles onto the manager's.
func Features(cfg *config.Config) snapshot.Features {
	return snapshot.Features{
		RemoveFilesOnDelete: cfg.Features.RemoveFilesOnDelete,
		AsyncConversion:     cfg.Features.AsyncConversion,
		LimitExportList:     cfg.Features.LimitExportList,
		NginxDownloads:      cfg.Features.NginxDownloads,
	}
}
