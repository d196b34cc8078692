// Package worker runs queued export jobs pulled from a durable queue.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"exporthub/internal/dispatch"
	"exporthub/internal/store"
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID           string
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration // Maximum backoff when queue is empty (default: 30s)
	JobTimeout   time.Duration // Upper bound for a single job (default: 30m)
}

// Runner executes a decoded job. *dispatch.Mux satisfies it.
type Runner interface {
	Run(ctx context.Context, job dispatch.Job) error
}

// Agent is the main worker agent that runs the pull-loop for job execution.
type Agent struct {
	queue  store.Queue
	runner Runner
	config AgentConfig
	logger *slog.Logger
	done   chan struct{}
}

// New creates a new worker agent.
func New(q store.Queue, r Runner, config AgentConfig, logger *slog.Logger) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Minute
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		queue:  q,
		runner: r,
		config: config,
		logger: logger.With("worker_id", config.ID),
		done:   make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops dequeuing new work and allows in-flight jobs to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "concurrency", a.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	// Helper to trigger immediate non-blocking re-poll
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	// Initial poll
	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, waiting for running jobs to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			items, err := a.queue.DequeueBatch(ctx, availableSlots)
			if err != nil {
				a.logger.Error("dequeue failed", "error", err)
				continue
			}

			if len(items) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			// Found work - reset backoff to minimum
			currentBackoff = a.config.PollInterval

			a.logger.Debug("claimed jobs", "count", len(items))

			for _, item := range items {
				sem <- struct{}{}

				wg.Add(1)
				go func(item store.QueueItem) {
					defer wg.Done()
					defer func() {
						<-sem
						// Signal that a slot is now available - trigger immediate re-poll
						triggerPoll()
					}()
					a.processItem(ctx, item)
				}(item)
			}

			// If we got jobs and there are still slots available, poll again immediately
			if len(items) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processItem runs one delivery and acks it. Failed jobs are acked as well:
// the failure is recorded on the row and jobs are not retried.
func (a *Agent) processItem(ctx context.Context, item store.QueueItem) {
	log := a.logger.With("queue_item", item.ID)
	defer func() {
		if err := a.queue.Ack(context.Background(), item); err != nil {
			log.Error("ack failed", "error", err)
		}
	}()

	job, err := dispatch.Decode(item.Payload)
	if err != nil {
		log.Error("dropping undecodable job", "error", err)
		return
	}

	traceCtx := context.WithoutCancel(ctx)
	if job.Trace != nil {
		traceCtx = otel.GetTextMapPropagator().Extract(traceCtx, job.Trace)
	}
	spanCtx, span := otel.Tracer("worker-agent").Start(traceCtx, "process_job",
		trace.WithAttributes(
			attribute.String("queue.item.id", item.ID),
			attribute.String("job.kind", string(job.Kind)),
			attribute.String("worker.id", a.config.ID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// The job keeps running after SIGTERM so the agent can drain.
	execCtx, cancel := context.WithTimeout(spanCtx, a.config.JobTimeout)
	defer cancel()

	if err := a.runner.Run(execCtx, job); err != nil {
		span.RecordError(err)
		log.Warn("job failed", "kind", job.Kind, "error", err)
		return
	}
	log.Debug("job finished", "kind", job.Kind, "waited", time.Since(job.EnqueuedAt).String())
}
