// Package publisher makes events durable and then broadcasts them.
//
// Publish returns once the event store has committed the event. The
// broadcast to the stream bus follows; when it fails the event stays
// marked unpublished and the Relay broadcasts it later, so a committed
// event always reaches its consumers.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/observability"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/store"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/stream"
)

// Config configures a Publisher.
type Config struct {
	// Store is the event log. Required.
	Store store.Store

	// Bus is the broadcast log. Required.
	Bus stream.Bus

	// Schemas validates events and maps their types to topic categories.
	// Without it only the envelope is validated and every event goes to
	// the default category.
	Schemas *event.Schemas

	// Topics names the topics.
	Topics stream.Topics

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Publisher writes events to the store and the bus.
type Publisher struct {
	cfg Config
}

// New creates a publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.Store == nil {
		return nil, errors.New("publisher: store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("publisher: bus is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &Publisher{cfg: cfg}, nil
}

// Topic returns the topic evt is broadcast on.
func (p *Publisher) Topic(evt event.Event) string {
	return p.cfg.Topics.For(p.category(evt.Type), evt.AggregateID)
}

func (p *Publisher) category(eventType string) string {
	if p.cfg.Schemas == nil {
		return event.DefaultCategory
	}
	return p.cfg.Schemas.Category(eventType)
}

// Publish validates evt, commits it to the store and broadcasts it. It
// returns the event ID.
//
// A store failure is returned as a *errors.DurabilityError and nothing is
// broadcast. A broadcast failure is logged and left to the Relay.
// Publishing an event ID that is already stored is a no-op beyond
// broadcasting it if that never happened.
func (p *Publisher) Publish(ctx context.Context, evt event.Event) (string, error) {
	start := time.Now()
	ctx, span := p.cfg.Spans.StartPublishSpan(ctx, evt)

	err := p.publish(ctx, evt)
	p.cfg.Spans.EndSpanWithError(span, err)
	p.cfg.Metrics.RecordPublish(ctx, evt.Type, time.Since(start), err)
	if err != nil {
		return "", err
	}
	return evt.ID, nil
}

func (p *Publisher) publish(ctx context.Context, evt event.Event) error {
	if err := p.validate(evt); err != nil {
		return err
	}

	done := observability.TimedOperation()
	seq, err := p.cfg.Store.Append(ctx, evt)
	if err != nil {
		observability.LogPublishError(p.cfg.Logger, evt, "store", err)
		return &bberrors.DurabilityError{EventID: evt.ID, EventType: evt.Type, Err: err}
	}
	p.cfg.Spans.AddSpanEvent(ctx, "store.appended")

	rec, err := p.cfg.Store.Get(ctx, evt.ID)
	switch {
	case err != nil:
		// The commit succeeded; broadcast what the caller gave us.
		rec = store.Record{Event: evt, Sequence: seq}
	case !rec.PublishedAt.IsZero():
		return nil
	}

	if p.behindUnpublished(ctx, rec) {
		// An earlier event of the aggregate is waiting for the relay,
		// which broadcasts both in sequence order.
		p.cfg.Spans.AddSpanEvent(ctx, "broadcast.deferred")
		return nil
	}
	p.broadcast(ctx, rec.Event)
	observability.LogPublish(p.cfg.Logger, evt, seq, done())
	return nil
}

// PublishBatch publishes events in order and returns their IDs. It stops
// at the first failure; events before it stay published.
func (p *Publisher) PublishBatch(ctx context.Context, events []event.Event) ([]string, error) {
	for _, evt := range events {
		if err := p.validate(evt); err != nil {
			return nil, err
		}
	}
	ids := make([]string, 0, len(events))
	for _, evt := range events {
		id, err := p.Publish(ctx, evt)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	if p.cfg.Logger != nil {
		p.cfg.Logger.Debug("event batch published", slog.Int("count", len(ids)))
	}
	return ids, nil
}

func (p *Publisher) validate(evt event.Event) error {
	if p.cfg.Schemas == nil {
		return evt.Validate()
	}
	if err := p.cfg.Schemas.Validate(evt); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

// behindUnpublished reports whether an older event of the same aggregate
// has not reached the bus yet. A store error counts as yes.
func (p *Publisher) behindUnpublished(ctx context.Context, rec store.Record) bool {
	for prior, err := range p.cfg.Store.Read(ctx, rec.AggregateID, 0) {
		if err != nil {
			observability.LogPublishError(p.cfg.Logger, rec.Event, "order-check", err)
			return true
		}
		if prior.Sequence >= rec.Sequence {
			return false
		}
		if prior.AggregateType == rec.AggregateType && prior.PublishedAt.IsZero() {
			return true
		}
	}
	return false
}

// broadcast sends a committed event to its topic and records it as
// published. Failures are logged and reported.
func (p *Publisher) broadcast(ctx context.Context, evt event.Event) bool {
	if _, err := p.cfg.Bus.Publish(ctx, p.Topic(evt), evt); err != nil {
		observability.LogPublishError(p.cfg.Logger, evt, "broadcast", err)
		return false
	}
	if err := p.cfg.Store.MarkPublished(ctx, evt.ID); err != nil {
		observability.LogPublishError(p.cfg.Logger, evt, "mark-published", err)
	}
	return true
}
