package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/guard"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/observability"
)

// DefaultTimeout bounds one handler attempt when the registration sets none.
const DefaultTimeout = 30 * time.Second

// Status is the result of running one handler for one delivery.
type Status int

const (
	// StatusSucceeded means the effect was applied.
	StatusSucceeded Status = iota

	// StatusDuplicate means the effect had already been applied.
	StatusDuplicate

	// StatusSkipped means the handler's run was dead-lettered earlier.
	StatusSkipped

	// StatusTransient means the handler failed and may succeed on
	// redelivery.
	StatusTransient

	// StatusPermanent means the handler failed and retrying will not help.
	StatusPermanent

	// StatusInterrupted means the dispatch context ended first.
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusDuplicate:
		return "duplicate"
	case StatusSkipped:
		return "skipped"
	case StatusTransient:
		return "transient"
	case StatusPermanent:
		return "permanent"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Done reports whether the handler needs nothing more for this event.
func (s Status) Done() bool {
	return s == StatusSucceeded || s == StatusDuplicate || s == StatusSkipped
}

// Outcome is the result of one handler.
type Outcome struct {
	Handler  string
	Status   Status
	Err      error
	Attempts int
	Duration time.Duration

	// Derived holds the events the handler emitted.
	Derived []event.Event
}

// Report collects the outcome of every handler matching an event.
type Report struct {
	Event    event.Event
	Outcomes []Outcome
}

// Done reports whether every handler is done. An event without handlers
// is done.
func (r Report) Done() bool {
	for _, o := range r.Outcomes {
		if !o.Status.Done() {
			return false
		}
	}
	return true
}

// Failed returns the outcomes that are not done.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.Status.Done() {
			out = append(out, o)
		}
	}
	return out
}

// Emitter publishes derived events.
type Emitter interface {
	Publish(ctx context.Context, evt event.Event) (string, error)
}

// DeadLetterChecker reports whether a handler's processing of an event was
// dead-lettered by a group.
type DeadLetterChecker interface {
	Has(ctx context.Context, group, handler, eventID string) (bool, error)
}

// Config configures a Dispatcher.
type Config struct {
	// Group is the consumer group the dispatcher serves.
	Group string

	// Registry is the handler table. Required.
	Registry *Registry

	// Schemas validates events before any handler runs. Optional.
	Schemas *event.Schemas

	// Guard records applied effects. Default: guard.Nop.
	Guard guard.Guard

	// DeadLetters skips handlers whose run was already dead-lettered.
	// Optional.
	DeadLetters DeadLetterChecker

	// Emitter publishes derived events. When nil they are only reported.
	Emitter Emitter

	// Retry is the in-delivery retry policy for registrations without one.
	// Default: bberrors.DefaultRetry.
	Retry bberrors.RetryConfig

	// Timeout bounds each attempt for registrations without one.
	// Default: DefaultTimeout.
	Timeout time.Duration

	// ConcurrencyLimit caps handlers running at once for one event.
	// Default: 0 (unlimited).
	ConcurrencyLimit int

	// Middleware wraps every handler, first outermost.
	Middleware []Middleware

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Dispatcher runs the handlers of a registry.
type Dispatcher struct {
	cfg   Config
	funcs map[string]HandleFunc
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("dispatch: registry is required")
	}
	if cfg.Guard == nil {
		cfg.Guard = guard.Nop{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = bberrors.DefaultRetry
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	d := &Dispatcher{cfg: cfg, funcs: make(map[string]HandleFunc, cfg.Registry.Len())}
	mws := append([]Middleware{}, cfg.Middleware...)
	mws = append(mws, RecoveryMiddleware())
	for _, reg := range cfg.Registry.ordered {
		d.funcs[reg.Name()] = chain(reg.Name(), reg.handler.Handle, mws...)
	}
	return d, nil
}

// Group returns the consumer group the dispatcher serves.
func (d *Dispatcher) Group() string {
	return d.cfg.Group
}

// Registry returns the handler table.
func (d *Dispatcher) Registry() *Registry {
	return d.cfg.Registry
}

// Dispatch runs every handler registered for the event's type
// concurrently. A failing handler never affects its siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, evt event.Event) Report {
	regs := d.cfg.Registry.Lookup(evt.Type)
	report := Report{Event: evt, Outcomes: make([]Outcome, len(regs))}
	if len(regs) == 0 {
		return report
	}

	if err := d.validate(evt); err != nil {
		for i, reg := range regs {
			report.Outcomes[i] = Outcome{Handler: reg.Name(), Status: StatusPermanent, Err: err}
		}
		return report
	}

	var g errgroup.Group
	if d.cfg.ConcurrencyLimit > 0 {
		g.SetLimit(d.cfg.ConcurrencyLimit)
	}
	for i, reg := range regs {
		g.Go(func() error {
			report.Outcomes[i] = d.run(ctx, evt, reg, true)
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// DispatchTo runs one named handler, ignoring its dead-letter state.
func (d *Dispatcher) DispatchTo(ctx context.Context, evt event.Event, handler string) (Outcome, error) {
	reg, ok := d.cfg.Registry.Handler(handler)
	if !ok {
		return Outcome{}, fmt.Errorf("dispatch: unknown handler %q", handler)
	}
	if err := d.validate(evt); err != nil {
		return Outcome{Handler: handler, Status: StatusPermanent, Err: err}, nil
	}
	return d.run(ctx, evt, reg, false), nil
}

// Redeliver runs one handler for a dead-lettered event and returns its
// failure, if any.
func (d *Dispatcher) Redeliver(ctx context.Context, evt event.Event, handler string) error {
	out, err := d.DispatchTo(ctx, evt, handler)
	if err != nil {
		return err
	}
	if out.Status.Done() {
		return nil
	}
	if out.Err != nil {
		return out.Err
	}
	return fmt.Errorf("handler %s: %s", handler, out.Status)
}

func (d *Dispatcher) validate(evt event.Event) error {
	if d.cfg.Schemas == nil {
		return evt.Validate()
	}
	return d.cfg.Schemas.Validate(evt)
}

// run executes one handler: dead-letter check, guard check, bounded
// attempts, derived event publication, guard mark.
func (d *Dispatcher) run(ctx context.Context, evt event.Event, reg Registration, checkDeadLetter bool) Outcome {
	name := reg.Name()
	start := time.Now()
	logger := observability.EnrichLogger(d.cfg.Logger, d.cfg.Group, name, evt)
	out := Outcome{Handler: name}

	finish := func() Outcome {
		out.Duration = time.Since(start)
		d.cfg.Metrics.RecordHandler(ctx, d.cfg.Group, name, out.Status.String(), out.Duration)
		observability.LogHandlerComplete(logger, out.Status.String(), out.Attempts, float64(out.Duration.Microseconds())/1000)
		return out
	}

	if checkDeadLetter && d.cfg.DeadLetters != nil {
		dead, err := d.cfg.DeadLetters.Has(ctx, d.cfg.Group, name, evt.ID)
		if err != nil {
			out.Status, out.Err = StatusTransient, fmt.Errorf("check dead letters: %w", err)
			return finish()
		}
		if dead {
			out.Status = StatusSkipped
			return finish()
		}
	}

	key := reg.handler.DedupKey(evt)
	if key != "" {
		applied, err := d.cfg.Guard.Applied(ctx, name, key)
		if err != nil {
			out.Status, out.Err = StatusTransient, fmt.Errorf("check idempotency key: %w", err)
			return finish()
		}
		if applied {
			out.Status = StatusDuplicate
			return finish()
		}
	}

	retry, ok := reg.Retry()
	if !ok {
		retry = d.cfg.Retry
	}
	timeout := reg.Timeout()
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}
	onRetry := retry.OnRetry
	retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		observability.LogHandlerFailure(logger, attempt, bberrors.Categorize(err).String(), err)
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	spanCtx, span := d.cfg.Spans.StartHandlerSpan(ctx, d.cfg.Group, name, evt)
	handle := d.funcs[name]
	result := bberrors.WithRetryContext(spanCtx, retry, func(ctx context.Context) ([]event.Event, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		derived, err := handle(attemptCtx, evt)
		if err != nil {
			return nil, err
		}
		if err := d.emit(attemptCtx, derived); err != nil {
			return nil, err
		}
		return derived, nil
	})
	d.cfg.Spans.EndSpanWithError(span, result.Err)

	out.Attempts = result.Attempts
	out.Derived = result.Value

	switch {
	case result.Err == nil:
		out.Status = StatusSucceeded
	case bberrors.IsDuplicate(result.Err):
		out.Status = StatusDuplicate
	case ctx.Err() != nil:
		out.Status, out.Err = StatusInterrupted, result.Err
	case bberrors.IsPermanent(result.Err):
		out.Status, out.Err = StatusPermanent, result.Err
	default:
		out.Status, out.Err = StatusTransient, result.Err
	}
	if out.Err != nil {
		observability.LogHandlerFailure(logger, out.Attempts, bberrors.Categorize(out.Err).String(), out.Err)
	}

	if out.Status == StatusSucceeded && key != "" {
		if _, err := d.cfg.Guard.MarkApplied(ctx, name, key); err != nil && logger != nil {
			logger.Warn("idempotency key not recorded", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return finish()
}

// emit publishes derived events in order.
func (d *Dispatcher) emit(ctx context.Context, derived []event.Event) error {
	if d.cfg.Emitter == nil {
		return nil
	}
	for _, evt := range derived {
		if _, err := d.cfg.Emitter.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish derived %s: %w", evt.Type, err)
		}
	}
	return nil
}
