package dispatch

import (
	"context"
	"fmt"
	"time"

	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// Middleware wraps the Handle of the named handler.
type Middleware func(handler string, next HandleFunc) HandleFunc

// chain applies middleware so that the first one is outermost.
func chain(name string, fn HandleFunc, mws ...Middleware) HandleFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		fn = mws[i](name, fn)
	}
	return fn
}

// RecoveryMiddleware turns a handler panic into a permanent failure.
// The dispatcher always installs it closest to the handler.
func RecoveryMiddleware() Middleware {
	return func(handler string, next HandleFunc) HandleFunc {
		return func(ctx context.Context, evt event.Event) (derived []event.Event, err error) {
			defer func() {
				if r := recover(); r != nil {
					derived = nil
					err = bberrors.Permanent(fmt.Errorf("handler panic: %v", r), handler)
				}
			}()
			return next(ctx, evt)
		}
	}
}

// LoggingMiddleware reports every attempt to logFn.
func LoggingMiddleware(logFn func(eventType, handler string, duration time.Duration, err error)) Middleware {
	return func(handler string, next HandleFunc) HandleFunc {
		return func(ctx context.Context, evt event.Event) ([]event.Event, error) {
			start := time.Now()
			derived, err := next(ctx, evt)
			logFn(evt.Type, handler, time.Since(start), err)
			return derived, err
		}
	}
}

// MetricsMiddleware calls onStart before and onComplete after every attempt.
func MetricsMiddleware(
	onStart func(eventType, handler string),
	onComplete func(eventType, handler string, duration time.Duration, err error),
) Middleware {
	return func(handler string, next HandleFunc) HandleFunc {
		return func(ctx context.Context, evt event.Event) ([]event.Event, error) {
			if onStart != nil {
				onStart(evt.Type, handler)
			}
			start := time.Now()
			derived, err := next(ctx, evt)
			if onComplete != nil {
				onComplete(evt.Type, handler, time.Since(start), err)
			}
			return derived, err
		}
	}
}

// CorrelationMiddleware fills the correlation and causation IDs of
// derived events that were built without a parent.
func CorrelationMiddleware() Middleware {
	return func(_ string, next HandleFunc) HandleFunc {
		return func(ctx context.Context, evt event.Event) ([]event.Event, error) {
			derived, err := next(ctx, evt)
			if err != nil {
				return nil, err
			}
			correlation := evt.Metadata.CorrelationID
			if correlation == "" {
				correlation = evt.ID
			}
			for i := range derived {
				if derived[i].Metadata.CorrelationID == "" || derived[i].Metadata.CorrelationID == derived[i].ID {
					derived[i].Metadata.CorrelationID = correlation
				}
				if derived[i].Metadata.CausationID == "" {
					derived[i].Metadata.CausationID = evt.ID
				}
			}
			return derived, nil
		}
	}
}
