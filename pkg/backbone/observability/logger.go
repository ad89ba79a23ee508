// Package observability provides structured logging, metrics and tracing
// hooks for the event backbone.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry with an optional OTLP/HTTP exporter
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// EnrichLogger adds delivery context to a logger.
// Returns a new logger with group, handler, event_id and event_type fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "policy-saga", "policy-creation", evt)
//	enriched.Info("doing work")
func EnrichLogger(logger *slog.Logger, group, handler string, evt event.Event) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("group", group),
		slog.String("handler", handler),
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("aggregate_id", evt.AggregateID),
	)
}

// LogPublish logs a committed and broadcast event.
func LogPublish(logger *slog.Logger, evt event.Event, sequence uint64, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("aggregate_id", evt.AggregateID),
		slog.Uint64("sequence", sequence),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogPublishError logs a publish failure. Durable failures are errors;
// broadcast failures after commit are warnings left to the relay.
func LogPublishError(logger *slog.Logger, evt event.Event, stage string, err error) {
	if logger == nil {
		return
	}
	level := slog.LevelError
	if stage == "broadcast" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "event publish failed",
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("stage", stage),
		slog.String("error", err.Error()),
	)
}

// LogHandlerComplete logs a handler outcome.
func LogHandlerComplete(logger *slog.Logger, status string, attempts int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("handler completed",
		slog.String("status", status),
		slog.Int("attempts", attempts),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogHandlerFailure logs a failed handler attempt.
func LogHandlerFailure(logger *slog.Logger, attempt int, category string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("handler failed",
		slog.Int("attempt", attempt),
		slog.String("category", category),
		slog.String("error", err.Error()),
	)
}

// LogDeadLetter logs a dead-lettered delivery.
func LogDeadLetter(logger *slog.Logger, messageID string, attempts int, reason string) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("message_id", messageID),
		slog.Int("attempts", attempts),
		slog.String("reason", reason),
	)
}

// LogTransition logs a message state change.
func LogTransition(logger *slog.Logger, messageID, eventID, state string) {
	if logger == nil {
		return
	}
	logger.Debug("message state",
		slog.String("message_id", messageID),
		slog.String("event_id", eventID),
		slog.String("state", state),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
