package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

var tracer = otel.Tracer("insurance-crm/backbone")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPublishSpan starts a span for publishing evt.
	StartPublishSpan(ctx context.Context, evt event.Event) (context.Context, trace.Span)

	// StartHandlerSpan starts a span for one handler run on evt.
	StartHandlerSpan(ctx context.Context, group, handler string, evt event.Event) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses the global OTel tracer
// provider.
func NewSpanManager() SpanManager {
	return otelSpanManager{}
}

func (otelSpanManager) StartPublishSpan(ctx context.Context, evt event.Event) (context.Context, trace.Span) {
	return tracer.Start(ctx, "backbone.publish "+evt.Type,
		trace.WithAttributes(eventAttributes(evt)...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

func (otelSpanManager) StartHandlerSpan(ctx context.Context, group, handler string, evt event.Event) (context.Context, trace.Span) {
	attrs := append(eventAttributes(evt),
		attribute.String("consumer.group", group),
		attribute.String("handler.name", handler),
	)
	return tracer.Start(ctx, "backbone.handle "+handler,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

func (otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

func eventAttributes(evt event.Event) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", evt.Type),
		attribute.String("aggregate.type", evt.AggregateType),
		attribute.String("aggregate.id", evt.AggregateID),
		attribute.String("correlation.id", evt.Metadata.CorrelationID),
	}
}

// TracingConfig selects the trace exporter.
type TracingConfig struct {
	ServiceName string
	Enabled     bool

	// Endpoint is the OTLP/HTTP collector URL. Tracing stays disabled when
	// it is empty.
	Endpoint string
}

// SetupTracing installs a global tracer provider exporting over OTLP/HTTP.
// When tracing is disabled it installs nothing and returns a no-op
// shutdown. The returned shutdown flushes pending spans.
func SetupTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noopShutdown, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noopShutdown, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		return noopShutdown, fmt.Errorf("create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tracer = otel.Tracer("insurance-crm/backbone")

	return tp.Shutdown, nil
}
