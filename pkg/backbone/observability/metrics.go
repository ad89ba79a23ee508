package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records backbone metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics for a
// Prometheus registry or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records a publish with its latency and error status.
	RecordPublish(ctx context.Context, eventType string, duration time.Duration, err error)

	// RecordHandler records one handler outcome for one delivery.
	RecordHandler(ctx context.Context, group, handler, status string, duration time.Duration)

	// RecordTransition records a message entering a delivery state.
	RecordTransition(ctx context.Context, group, state string)

	// RecordDeadLetter records a dead-lettered handler run.
	RecordDeadLetter(ctx context.Context, group, handler, eventType string)

	// RecordLag records how far a consumer group trails the tail of a topic.
	RecordLag(ctx context.Context, topic, group string, lag int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published      metric.Int64Counter
	publishLatency metric.Float64Histogram
	publishErrors  metric.Int64Counter
	handlerRuns    metric.Int64Counter
	handlerLatency metric.Float64Histogram
	transitions    metric.Int64Counter
	deadLetters    metric.Int64Counter
	groupLag       metric.Int64Gauge
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("insurance-crm/backbone")
	m := &otelMetrics{}
	var err error

	if m.published, err = meter.Int64Counter("backbone.publish.count",
		metric.WithDescription("Number of published events"),
	); err != nil {
		return nil, err
	}
	if m.publishLatency, err = meter.Float64Histogram("backbone.publish.latency_ms",
		metric.WithDescription("Publish latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.publishErrors, err = meter.Int64Counter("backbone.publish.errors",
		metric.WithDescription("Number of failed publishes"),
	); err != nil {
		return nil, err
	}
	if m.handlerRuns, err = meter.Int64Counter("backbone.handler.runs",
		metric.WithDescription("Number of handler outcomes by status"),
	); err != nil {
		return nil, err
	}
	if m.handlerLatency, err = meter.Float64Histogram("backbone.handler.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("backbone.message.transitions",
		metric.WithDescription("Number of message state transitions"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("backbone.deadletter.count",
		metric.WithDescription("Number of dead-lettered handler runs"),
	); err != nil {
		return nil, err
	}
	if m.groupLag, err = meter.Int64Gauge("backbone.group.lag",
		metric.WithDescription("Entries added after the consumer group cursor"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.published.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, millis(duration), attrs)
	if err != nil {
		m.publishErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordHandler(ctx context.Context, group, handler, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("handler", handler),
		attribute.String("status", status),
	)
	m.handlerRuns.Add(ctx, 1, attrs)
	m.handlerLatency.Record(ctx, millis(duration), attrs)
}

func (m *otelMetrics) RecordTransition(ctx context.Context, group, state string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("state", state),
	))
}

func (m *otelMetrics) RecordDeadLetter(ctx context.Context, group, handler, eventType string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("handler", handler),
		attribute.String("event_type", eventType),
	))
}

func (m *otelMetrics) RecordLag(ctx context.Context, topic, group string, lag int64) {
	m.groupLag.Record(ctx, lag, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("group", group),
	))
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// Multi fans every call out to several recorders.
type Multi []MetricsRecorder

func (m Multi) RecordPublish(ctx context.Context, eventType string, duration time.Duration, err error) {
	for _, r := range m {
		r.RecordPublish(ctx, eventType, duration, err)
	}
}

func (m Multi) RecordHandler(ctx context.Context, group, handler, status string, duration time.Duration) {
	for _, r := range m {
		r.RecordHandler(ctx, group, handler, status, duration)
	}
}

func (m Multi) RecordTransition(ctx context.Context, group, state string) {
	for _, r := range m {
		r.RecordTransition(ctx, group, state)
	}
}

func (m Multi) RecordDeadLetter(ctx context.Context, group, handler, eventType string) {
	for _, r := range m {
		r.RecordDeadLetter(ctx, group, handler, eventType)
	}
}

func (m Multi) RecordLag(ctx context.Context, topic, group string, lag int64) {
	for _, r := range m {
		r.RecordLag(ctx, topic, group, lag)
	}
}

var (
	_ MetricsRecorder = (*otelMetrics)(nil)
	_ MetricsRecorder = Multi(nil)
)
