package snapshot

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

// newMetrics registers the conversion instruments on mp, or on the global meter
// provider when mp is nil. Instrument errors only disable the metric.
func newMetrics(mp metric.MeterProvider, log *slog.Logger) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("exporthub/snapshot")
	m := &metrics{}
	var err error

	if m.started, err = meter.Int64Counter("exporthub.conversions.started",
		metric.WithDescription("Conversions requested")); err != nil {
		log.Warn("metric disabled", "metric", "exporthub.conversions.started", "error", err)
	}
	if m.completed, err = meter.Int64Counter("exporthub.conversions.completed",
		metric.WithDescription("Conversions that stored a file")); err != nil {
		log.Warn("metric disabled", "metric", "exporthub.conversions.completed", "error", err)
	}
	if m.failed, err = meter.Int64Counter("exporthub.conversions.failed",
		metric.WithDescription("Conversions recorded as failed")); err != nil {
		log.Warn("metric disabled", "metric", "exporthub.conversions.failed", "error", err)
	}
	if m.duration, err = meter.Float64Histogram("exporthub.conversion.duration",
		metric.WithDescription("Time spent converting a snapshot"),
		metric.WithUnit("s")); err != nil {
		log.Warn("metric disabled", "metric", "exporthub.conversion.duration", "error", err)
	}
	return m
}

func (m *metrics) add(ctx context.Context, c metric.Int64Counter, exportType string) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("export_type", exportType)))
}

func (m *metrics) observe(ctx context.Context, exportType string, since time.Time) {
	if m.duration == nil {
		return
	}
	m.duration.Record(ctx, time.Since(since).Seconds(), metric.WithAttributes(attribute.String("export_type", exportType)))
}
