// Package dispatch resolves the handlers registered for an event type and
// runs each of them independently.
//
// The handler table is built once, before any worker starts, from an
// explicit list of registrations. There is no package-level registry and
// registration order is the only order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// Handler reacts to events.
//
// Handle may be invoked more than once for the same event and must be
// idempotent. The events it returns are published after it succeeds and
// should be built with event.NewFromParent so that re-emitting them after
// a redelivery is deduplicated by the event store.
type Handler interface {
	// Name identifies the handler in logs, metrics, guards and dead-letter
	// records. It must be unique within a registry.
	Name() string

	// Handles lists the event types the handler accepts.
	// An empty list means every type.
	Handles() []string

	// DedupKey returns the key the idempotency guard records for evt.
	// Returning "" disables the guard for this event; the handler then
	// relies on its own uniqueness constraints.
	DedupKey(evt event.Event) string

	// Handle applies the effect of evt.
	Handle(ctx context.Context, evt event.Event) ([]event.Event, error)
}

// HandleFunc is the signature of Handler.Handle.
type HandleFunc func(ctx context.Context, evt event.Event) ([]event.Event, error)

// funcHandler adapts functions to Handler.
type funcHandler struct {
	name  string
	types []string
	key   func(event.Event) string
	fn    HandleFunc
}

// NewFunc builds a Handler from functions. A nil key disables the guard.
func NewFunc(name string, types []string, key func(event.Event) string, fn HandleFunc) Handler {
	return &funcHandler{name: name, types: types, key: key, fn: fn}
}

func (h *funcHandler) Name() string      { return h.name }
func (h *funcHandler) Handles() []string { return h.types }

func (h *funcHandler) DedupKey(evt event.Event) string {
	if h.key == nil {
		return ""
	}
	return h.key(evt)
}

func (h *funcHandler) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	return h.fn(ctx, evt)
}

// EventIDKey is a DedupKey that treats every event as a distinct effect.
func EventIDKey(evt event.Event) string {
	return "event:" + evt.ID
}

// Registration binds a handler to its execution policy.
type Registration struct {
	handler  Handler
	timeout  time.Duration
	retry    bberrors.RetryConfig
	hasRetry bool
}

// RegistrationOption configures a registration.
type RegistrationOption func(*Registration)

// WithTimeout bounds each attempt of the handler.
func WithTimeout(d time.Duration) RegistrationOption {
	return func(r *Registration) {
		r.timeout = d
	}
}

// WithRetry overrides the dispatcher's in-delivery retry policy.
func WithRetry(cfg bberrors.RetryConfig) RegistrationOption {
	return func(r *Registration) {
		r.retry = cfg
		r.hasRetry = true
	}
}

// Register binds h to its options.
func Register(h Handler, opts ...RegistrationOption) Registration {
	r := Registration{handler: h}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Name returns the handler name.
func (r Registration) Name() string { return r.handler.Name() }

// Handler returns the registered handler.
func (r Registration) Handler() Handler { return r.handler }

// Timeout returns the per-attempt timeout, zero when unset.
func (r Registration) Timeout() time.Duration { return r.timeout }

// Retry returns the retry policy and whether one was set.
func (r Registration) Retry() (bberrors.RetryConfig, bool) { return r.retry, r.hasRetry }

// ErrDuplicateHandler indicates two registrations share a name.
var ErrDuplicateHandler = errors.New("duplicate handler name")

// Registry is an immutable table from event type to registrations.
type Registry struct {
	ordered   []Registration
	byName    map[string]Registration
	byType    map[string][]Registration
	wildcards []Registration
}

// NewRegistry builds the table. Registrations without a handler or name
// and duplicate names are rejected.
func NewRegistry(regs ...Registration) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]Registration, len(regs)),
		byType: make(map[string][]Registration),
	}
	for i, reg := range regs {
		if reg.handler == nil {
			return nil, fmt.Errorf("registration %d: nil handler", i)
		}
		name := reg.handler.Name()
		if name == "" {
			return nil, fmt.Errorf("registration %d: empty handler name", i)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
		}
		r.byName[name] = reg
		r.ordered = append(r.ordered, reg)

		types := reg.handler.Handles()
		if len(types) == 0 {
			r.wildcards = append(r.wildcards, reg)
			continue
		}
		for _, t := range types {
			r.byType[t] = append(r.byType[t], reg)
		}
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error.
func MustRegistry(regs ...Registration) *Registry {
	r, err := NewRegistry(regs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the registrations for eventType in registration order,
// wildcard handlers last.
func (r *Registry) Lookup(eventType string) []Registration {
	typed := r.byType[eventType]
	out := make([]Registration, 0, len(typed)+len(r.wildcards))
	out = append(out, typed...)
	return append(out, r.wildcards...)
}

// Handler returns the registration of the named handler.
func (r *Registry) Handler(name string) (Registration, bool) {
	reg, ok := r.byName[name]
	return reg, ok
}

// Names returns handler names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.ordered))
	for i, reg := range r.ordered {
		out[i] = reg.Name()
	}
	return out
}

// Types returns the event types with at least one typed handler, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasWildcard reports whether some handler accepts every event type.
func (r *Registry) HasWildcard() bool {
	return len(r.wildcards) > 0
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	return len(r.ordered)
}
