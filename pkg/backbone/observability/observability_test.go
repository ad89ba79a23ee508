package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

func testEvent() event.Event {
	return event.Event{
		ID:            "evt-1",
		Type:          "policy.created",
		AggregateType: "policy",
		AggregateID:   "42",
		Metadata:      event.Metadata{CorrelationID: "corr-1"},
		OccurredAt:    time.Now().UTC(),
	}
}

// setupMetricsTest installs a meter provider backed by a manual reader.
func setupMetricsTest(t *testing.T) *sdkmetric.ManualReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		_ = provider.Shutdown(context.Background())
	})
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsRecorder(t *testing.T) {
	setupMetricsTest(t)
	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
	_, isNoop := recorder.(NoopMetrics)
	assert.False(t, isNoop)
}

func TestOtelMetrics(t *testing.T) {
	reader := setupMetricsTest(t)
	m, err := newOtelMetrics()
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordPublish(ctx, "policy.created", 3*time.Millisecond, nil)
	m.RecordPublish(ctx, "policy.created", time.Millisecond, errors.New("store down"))
	m.RecordHandler(ctx, "policy-saga", "commission", "succeeded", 5*time.Millisecond)
	m.RecordTransition(ctx, "policy-saga", "acknowledged")
	m.RecordDeadLetter(ctx, "notifications", "notification", "policy.created")
	m.RecordLag(ctx, "insurance:events:policy", "audit", 7)

	rm := collectMetrics(t, reader)

	published := findMetric(rm, "backbone.publish.count")
	require.NotNil(t, published)
	sum, ok := published.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)

	errs := findMetric(rm, "backbone.publish.errors")
	require.NotNil(t, errs)
	assert.Equal(t, int64(1), errs.Data.(metricdata.Sum[int64]).DataPoints[0].Value)

	dead := findMetric(rm, "backbone.deadletter.count")
	require.NotNil(t, dead)
	dp := dead.Data.(metricdata.Sum[int64]).DataPoints[0]
	handler, _ := dp.Attributes.Value(attribute.Key("handler"))
	assert.Equal(t, "notification", handler.AsString())

	lag := findMetric(rm, "backbone.group.lag")
	require.NotNil(t, lag)
	gauge, ok := lag.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(7), gauge.DataPoints[0].Value)

	assert.NotNil(t, findMetric(rm, "backbone.handler.latency_ms"))
	assert.NotNil(t, findMetric(rm, "backbone.message.transitions"))
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)
	ctx := context.Background()

	m.RecordPublish(ctx, "quote.accepted", time.Millisecond, nil)
	m.RecordPublish(ctx, "quote.accepted", time.Millisecond, errors.New("boom"))
	m.RecordHandler(ctx, "policy-saga", "policy-creation", "transient", time.Millisecond)
	m.RecordHandler(ctx, "policy-saga", "policy-creation", "succeeded", time.Millisecond)
	m.RecordDeadLetter(ctx, "notifications", "notification", "policy.created")
	m.RecordLag(ctx, "insurance:events:quote", "policy-saga", 3)
	m.RecordLag(ctx, "insurance:events:quote", "policy-saga", 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues("quote.accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishErrors.WithLabelValues("quote.accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerRuns.WithLabelValues("policy-saga", "policy-creation", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLetters.WithLabelValues("notifications", "notification", "policy.created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.groupLag.WithLabelValues("insurance:events:quote", "policy-saga")))

	expected := `
# HELP backbone_dead_letters_total The total number of dead-lettered handler runs
# TYPE backbone_dead_letters_total counter
backbone_dead_letters_total{event_type="policy.created",group="notifications",handler="notification"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "backbone_dead_letters_total"))
}

func TestMultiFansOut(t *testing.T) {
	a := NewPrometheusMetrics(prometheus.NewRegistry())
	b := NewPrometheusMetrics(prometheus.NewRegistry())
	m := Multi{a, b, NoopMetrics{}}

	m.RecordTransition(context.Background(), "audit", "acknowledged")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.transitions.WithLabelValues("audit", "acknowledged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.transitions.WithLabelValues("audit", "acknowledged")))
}

func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("insurance-crm/backbone")
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestSpanManager(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()
	evt := testEvent()

	ctx, publish := sm.StartPublishSpan(context.Background(), evt)
	_, handle := sm.StartHandlerSpan(ctx, "policy-saga", "commission", evt)
	sm.EndSpanWithError(handle, errors.New("rate table missing"))
	sm.EndSpanWithError(publish, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	handlerSpan := spans[0]
	assert.Equal(t, "backbone.handle commission", handlerSpan.Name)
	assert.Equal(t, trace.SpanKindConsumer, handlerSpan.SpanKind)
	assert.Equal(t, codes.Error, handlerSpan.Status.Code)
	assert.Equal(t, spans[1].SpanContext.SpanID(), handlerSpan.Parent.SpanID())

	publishSpan := spans[1]
	assert.Equal(t, "backbone.publish policy.created", publishSpan.Name)
	assert.Equal(t, codes.Ok, publishSpan.Status.Code)
	assert.Contains(t, publishSpan.Attributes, attribute.String("aggregate.id", "42"))
}

func TestAddSpanEvent(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, span := sm.StartPublishSpan(context.Background(), testEvent())
	sm.AddSpanEvent(ctx, "store.appended", attribute.Int64("sequence", 9))
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "store.appended", spans[0].Events[0].Name)

	// Without a span in context nothing happens.
	sm.AddSpanEvent(context.Background(), "ignored")
}

func TestNoopSpanManager(t *testing.T) {
	var sm NoopSpanManager
	ctx := context.Background()
	got, span := sm.StartHandlerSpan(ctx, "g", "h", testEvent())
	assert.Equal(t, ctx, got)
	assert.False(t, span.IsRecording())
	sm.EndSpanWithError(span, errors.New("ignored"))
}

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{ServiceName: "worker", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestLogHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	evt := testEvent()

	enriched := EnrichLogger(logger, "policy-saga", "commission", evt)
	LogHandlerFailure(enriched, 2, "transient", errors.New("db locked"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "handler failed", entry["msg"])
	assert.Equal(t, "policy-saga", entry["group"])
	assert.Equal(t, "evt-1", entry["event_id"])
	assert.Equal(t, "transient", entry["category"])
	assert.Equal(t, float64(2), entry["attempt"])

	buf.Reset()
	LogPublishError(logger, evt, "broadcast", errors.New("redis down"))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
}

func TestLogHelpersNilSafe(t *testing.T) {
	evt := testEvent()
	assert.Nil(t, EnrichLogger(nil, "g", "h", evt))
	LogPublish(nil, evt, 1, 0)
	LogPublishError(nil, evt, "store", errors.New("x"))
	LogHandlerComplete(nil, "succeeded", 1, 0)
	LogHandlerFailure(nil, 1, "permanent", errors.New("x"))
	LogDeadLetter(nil, "1-0", 3, "budget exhausted")
	LogTransition(nil, "1-0", "evt", "processing")
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), 1.0)
}
