// Package stream provides the durable multi-consumer-group broadcast log
// that carries events from publishers to workers.
//
// Delivery is at-least-once per consumer group: a message read by a
// consumer stays in the group's pending-entries list until it is
// acknowledged, and ClaimStale hands messages of crashed consumers to a
// live one.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// DefaultMaxLen is the approximate length cap of every topic.
const DefaultMaxLen = 10000

// Wire field names of a stream entry.
const (
	FieldEventID = "event_id"
	FieldEvent   = "event"
)

// ErrClosed indicates the bus has been closed.
var ErrClosed = errors.New("stream bus closed")

// Bus is an ordered, persistent broadcast log per topic.
type Bus interface {
	// Publish appends evt to the topic and returns the stream message ID.
	// It never waits for consumers.
	Publish(ctx context.Context, topic string, evt event.Event) (string, error)

	// Subscribe joins (creating if needed) a consumer group on the topic.
	// New groups start at the tail unless FromBeginning is given.
	Subscribe(ctx context.Context, topic, group, consumer string, opts ...SubscribeOption) (Subscription, error)

	// Close releases the bus.
	Close() error
}

// Subscription is one consumer's handle on a consumer group.
// Implementations must be safe for concurrent use.
type Subscription interface {
	Topic() string
	Group() string
	Consumer() string

	// Read returns up to maxCount messages, waiting at most block for new
	// ones. Messages this consumer read before the subscription was opened
	// but never acknowledged are returned first, once each.
	Read(ctx context.Context, maxCount int, block time.Duration) ([]Message, error)

	// Ack removes messages from the group's pending-entries list.
	Ack(ctx context.Context, ids ...string) error

	// ClaimStale reassigns to this consumer up to count messages that have
	// been pending longer than minIdle.
	ClaimStale(ctx context.Context, minIdle time.Duration, count int) ([]Message, error)

	// Lag returns how many entries were added after the group's cursor.
	Lag(ctx context.Context) (int64, error)

	// Pending returns how many messages the group has not acknowledged.
	Pending(ctx context.Context) (int64, error)
}

// Message is one delivery of a stream entry.
type Message struct {
	// ID is the stream-assigned message ID.
	ID string

	// Topic is the stream the message was read from.
	Topic string

	// EventID is the ID of the carried event.
	EventID string

	// Event is the decoded envelope; zero when DecodeErr is set.
	Event event.Event

	// DeliveryCount is how many times the message was handed to a consumer
	// of this group, including this delivery.
	DeliveryCount int64

	// DecodeErr is set when the entry could not be decoded.
	DecodeErr error
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	fromBeginning bool
}

// FromBeginning starts a newly created group at the first entry of the
// topic instead of its tail.
func FromBeginning() SubscribeOption {
	return func(cfg *subscribeConfig) {
		cfg.fromBeginning = true
	}
}

func newSubscribeConfig(opts []SubscribeOption) subscribeConfig {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// encodeFields returns the wire fields of evt.
func encodeFields(evt event.Event) (map[string]any, error) {
	data, err := event.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		FieldEventID: evt.ID,
		FieldEvent:   string(data),
	}, nil
}

// decodeMessage builds a message from wire fields.
func decodeMessage(topic, id string, values map[string]any, deliveries int64) Message {
	msg := Message{ID: id, Topic: topic, DeliveryCount: deliveries}
	if values == nil {
		msg.DecodeErr = fmt.Errorf("entry %s no longer in stream", id)
		return msg
	}
	msg.EventID, _ = values[FieldEventID].(string)

	raw, ok := values[FieldEvent].(string)
	if !ok {
		msg.DecodeErr = fmt.Errorf("entry %s has no %s field", id, FieldEvent)
		return msg
	}
	evt, err := event.Unmarshal([]byte(raw))
	if err != nil {
		msg.DecodeErr = err
		return msg
	}
	msg.Event = evt
	if msg.EventID == "" {
		msg.EventID = evt.ID
	}
	return msg
}
