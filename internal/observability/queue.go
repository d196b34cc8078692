package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var queueBackend = attribute.Key("queue.backend")

// DepthCounter reports the number of pending jobs. store.Queue satisfies it.
type DepthCounter interface {
	Count(ctx context.Context) (int64, error)
}

// RegisterQueueDepth publishes exporthub.queue.depth, sampled from q on every collection.
// Failed samples are skipped. The returned function unregisters the callback.
func RegisterQueueDepth(q DepthCounter, backend string) (func() error, error) {
	meter := otel.Meter("exporthub/queue")
	gauge, err := meter.Int64ObservableGauge("exporthub.queue.depth",
		metric.WithDescription("Jobs waiting in the durable queue"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := q.Count(ctx)
		if err != nil {
			return nil
		}
		o.ObserveInt64(gauge, n, metric.WithAttributes(queueBackend.String(backend)))
		return nil
	}, gauge)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}
