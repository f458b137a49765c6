package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "corporate-actions/processor"

// EngineMetrics records processing engine activity.
// Use NewEngineMetrics for OTel metrics or NoopEngineMetrics{} when disabled.
type EngineMetrics interface {
	// RecordTransition counts a persisted status change.
	RecordTransition(ctx context.Context, from, to string)
	// RecordSettlement records one settlement attempt with its latency.
	RecordSettlement(ctx context.Context, eventType string, duration time.Duration, err error)
	// RecordRetryScheduled counts a failure that will be retried after backoff.
	RecordRetryScheduled(ctx context.Context, eventType string, backoff time.Duration)
}

type otelEngineMetrics struct {
	transitions       metric.Int64Counter
	settlements       metric.Int64Counter
	settlementLatency metric.Float64Histogram
	retries           metric.Int64Counter
	backoff           metric.Float64Histogram
}

// NewEngineMetrics creates the engine instruments on mp, or on the global
// meter provider when mp is nil. On failure it falls back to a no-op recorder.
func NewEngineMetrics(mp metric.MeterProvider) EngineMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m, err := newOtelEngineMetrics(mp.Meter(meterName))
	if err != nil {
		slog.Warn("engine metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopEngineMetrics{}
	}
	return m
}

func newOtelEngineMetrics(meter metric.Meter) (*otelEngineMetrics, error) {
	transitions, err := meter.Int64Counter("corporate_actions.transitions",
		metric.WithDescription("Number of persisted status transitions"),
	)
	if err != nil {
		return nil, err
	}

	settlements, err := meter.Int64Counter("corporate_actions.settlements",
		metric.WithDescription("Number of settlement attempts"),
	)
	if err != nil {
		return nil, err
	}

	settlementLatency, err := meter.Float64Histogram("corporate_actions.settlement.latency_ms",
		metric.WithDescription("Settlement latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("corporate_actions.retries",
		metric.WithDescription("Number of failed attempts scheduled for retry"),
	)
	if err != nil {
		return nil, err
	}

	backoff, err := meter.Float64Histogram("corporate_actions.retry.backoff_ms",
		metric.WithDescription("Backoff before a retry in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelEngineMetrics{
		transitions:       transitions,
		settlements:       settlements,
		settlementLatency: settlementLatency,
		retries:           retries,
		backoff:           backoff,
	}, nil
}

func (m *otelEngineMetrics) RecordTransition(ctx context.Context, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *otelEngineMetrics) RecordSettlement(ctx context.Context, eventType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("success", err == nil),
	)
	m.settlements.Add(ctx, 1, attrs)
	m.settlementLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelEngineMetrics) RecordRetryScheduled(ctx context.Context, eventType string, backoff time.Duration) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.retries.Add(ctx, 1, attrs)
	m.backoff.Record(ctx, float64(backoff.Milliseconds()), attrs)
}

// NoopEngineMetrics discards all measurements.
type NoopEngineMetrics struct{}

func (NoopEngineMetrics) RecordTransition(context.Context, string, string) {}

func (NoopEngineMetrics) RecordSettlement(context.Context, string, time.Duration, error) {}

func (NoopEngineMetrics) RecordRetryScheduled(context.Context, string, time.Duration) {}
