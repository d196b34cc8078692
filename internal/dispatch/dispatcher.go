package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"exporthub/internal/store"
)

// ErrClosed is returned when enqueuing on a closed Pool.
var ErrClosed = errors.New("dispatcher closed")

// Inline runs jobs synchronously in the caller's goroutine.
type Inline struct {
	Mux *Mux
}

// NewInline returns an Inline dispatcher.
func NewInline(m *Mux) *Inline {
	return &Inline{Mux: m}
}

func (d *Inline) Enqueue(ctx context.Context, job Job) error {
	err := d.Mux.Run(ctx, stamp(ctx, job))
	if errors.Is(err, ErrUnknownKind) {
		return err
	}
	// Job failures were recorded by the failure hook.
	return nil
}

// Pool runs jobs on a fixed number of goroutines fed by a buffered channel.
type Pool struct {
	mux     *Mux
	workers int
	jobs    chan Job
	logger  *slog.Logger

	// done is closed first on Close so blocked producers release the read lock.
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
	group  *errgroup.Group
}

// NewPool returns a pool with the given worker count and buffer size.
func NewPool(m *Mux, workers, buffer int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		mux:     m,
		workers: workers,
		jobs:    make(chan Job, buffer),
		done:    make(chan struct{}),
		logger:  log,
	}
}

// Start launches the workers. Jobs run with ctx, which should outlive Close.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil || p.closed {
		return
	}
	g := &errgroup.Group{}
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for job := range p.jobs {
				if err := p.mux.Run(ctx, job); errors.Is(err, ErrUnknownKind) {
					p.logger.Error("dropping job", "kind", job.Kind, "error", err)
				}
			}
			return nil
		})
	}
	p.group = g
}

// Enqueue blocks until the job is buffered, ctx is done or the pool is closed.
func (p *Pool) Enqueue(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.jobs <- stamp(ctx, job):
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for the buffered ones to finish.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	g := p.group
	p.mu.Unlock()

	if g == nil {
		return nil
	}
	return g.Wait()
}

// Queued pushes jobs onto a durable queue consumed by worker agents.
type Queued struct {
	queue store.Queue
}

// NewQueued returns a dispatcher backed by q.
func NewQueued(q store.Queue) *Queued {
	return &Queued{queue: q}
}

func (d *Queued) Enqueue(ctx context.Context, job Job) error {
	payload, err := Encode(stamp(ctx, job))
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	if err := d.queue.Enqueue(ctx, payload); err != nil {
		return errors.Wrap(err, "enqueue job")
	}
	return nil
}
