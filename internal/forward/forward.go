// Package forward copies audited events to an external Kafka topic for
// downstream analytics and long-term retention.
package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/dispatch"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// HandlerName is the name of the forwarding handler.
const HandlerName = "kafka-forward"

// Header keys set on every forwarded message.
const (
	HeaderEventType     = "event_type"
	HeaderCorrelationID = "correlation_id"
)

// Writer writes messages to a topic. *kafka.Writer implements it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config locates the Kafka topic.
type Config struct {
	Brokers []string
	Topic   string
}

// NewWriter creates a writer that keys partitions by aggregate, so the
// events of one aggregate keep their order in the topic.
func NewWriter(cfg Config) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("forward: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("forward: topic is required")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}, nil
}

// Forwarder is a wildcard handler writing every event it sees to Kafka.
//
// Delivery is at-least-once: a redelivered event is written again with
// the same key and event_id, and consumers deduplicate on event_id.
type Forwarder struct {
	w Writer
}

// New creates a forwarder.
func New(w Writer) *Forwarder {
	return &Forwarder{w: w}
}

func (f *Forwarder) Name() string      { return HandlerName }
func (f *Forwarder) Handles() []string { return nil }

// DedupKey records forwarded events so a redelivery is not written twice.
func (f *Forwarder) DedupKey(evt event.Event) string {
	return dispatch.EventIDKey(evt)
}

// Handle writes evt keyed by its aggregate.
func (f *Forwarder) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	value, err := event.Marshal(evt)
	if err != nil {
		return nil, err
	}
	err = f.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.AggregateType + ":" + evt.AggregateID),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(evt.Type)},
			{Key: HeaderCorrelationID, Value: []byte(evt.Metadata.CorrelationID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("forward %s: %w", evt.ID, err)
	}
	return nil, nil
}

// Close closes the writer.
func (f *Forwarder) Close() error {
	return f.w.Close()
}

var _ dispatch.Handler = (*Forwarder)(nil)
