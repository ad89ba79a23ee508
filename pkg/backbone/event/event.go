package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
)

// derivedNamespace seeds the name-based UUIDs of derived events.
var derivedNamespace = uuid.MustParse("6f1c7a52-3d0e-4b8a-9f57-1c2e8d4b7a90")

// Payload is implemented by every typed event body. The returned type
// tags the body inside the envelope.
type Payload interface {
	EventType() string
}

// Versioned is implemented by payloads whose schema is past version 1.
type Versioned interface {
	SchemaVersion() int
}

// Metadata contains causation, correlation and provenance fields.
type Metadata struct {
	CorrelationID string `json:"correlation_id"`
	CausationID   string `json:"causation_id,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
	Source        string `json:"source,omitempty"`
	SchemaVersion int    `json:"schema_version"`
}

// Event is one fact that happened to an aggregate. Events are values and
// are never modified after creation; Payload must be treated as read-only.
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      Metadata        `json:"metadata"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Option configures event creation.
type Option func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	causationID   string
	actorID       string
	source        string
	timestamp     time.Time
	version       int
}

// WithEventID sets a specific event ID (default: random UUID).
func WithEventID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.correlationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.causationID = id
	}
}

// WithActor records the user or service that triggered the event.
func WithActor(id string) Option {
	return func(cfg *eventConfig) {
		cfg.actorID = id
	}
}

// WithSource records the emitting component.
func WithSource(source string) Option {
	return func(cfg *eventConfig) {
		cfg.source = source
	}
}

// WithTimestamp sets a specific occurrence time (default: now).
func WithTimestamp(t time.Time) Option {
	return func(cfg *eventConfig) {
		cfg.timestamp = t
	}
}

// WithSchemaVersion overrides the payload schema version.
func WithSchemaVersion(v int) Option {
	return func(cfg *eventConfig) {
		cfg.version = v
	}
}

// New creates an event about the given aggregate.
func New(aggregateType, aggregateID string, payload Payload, opts ...Option) (Event, error) {
	if payload == nil {
		return Event{}, &bberrors.ValidationError{Field: "payload", Message: "required"}
	}

	cfg := &eventConfig{
		id:        uuid.NewString(),
		timestamp: time.Now(),
		version:   1,
	}
	if v, ok := payload.(Versioned); ok {
		cfg.version = v.SchemaVersion()
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// A root event starts its own correlation chain.
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", payload.EventType(), err)
	}

	evt := Event{
		ID:            cfg.id,
		Type:          payload.EventType(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       data,
		Metadata: Metadata{
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
			ActorID:       cfg.actorID,
			Source:        cfg.source,
			SchemaVersion: cfg.version,
		},
		OccurredAt: cfg.timestamp.UTC(),
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}

// NewFromParent creates an event caused by parent. It inherits the
// correlation ID and actor, and its ID is derived from the parent so that
// emitting it again on a redelivery yields the same event.
func NewFromParent(parent Event, aggregateType, aggregateID string, payload Payload, opts ...Option) (Event, error) {
	if payload == nil {
		return Event{}, &bberrors.ValidationError{Field: "payload", Message: "required"}
	}
	parentOpts := []Option{
		WithEventID(DerivedID(parent.ID, payload.EventType(), aggregateType, aggregateID)),
		WithCorrelationID(parent.Metadata.CorrelationID),
		WithCausationID(parent.ID),
		WithActor(parent.Metadata.ActorID),
	}
	return New(aggregateType, aggregateID, payload, append(parentOpts, opts...)...)
}

// DerivedID returns the deterministic ID of an event of eventType about
// the given aggregate caused by parentID.
func DerivedID(parentID, eventType, aggregateType, aggregateID string) string {
	name := strings.Join([]string{parentID, eventType, aggregateType, aggregateID}, "|")
	return uuid.NewSHA1(derivedNamespace, []byte(name)).String()
}

// Validate checks the envelope fields every event must carry.
func (e Event) Validate() error {
	switch {
	case e.ID == "":
		return &bberrors.ValidationError{Field: "event_id", Message: "required"}
	case e.Type == "":
		return &bberrors.ValidationError{Field: "event_type", Message: "required"}
	case e.AggregateType == "":
		return &bberrors.ValidationError{Field: "aggregate_type", Message: "required"}
	case e.AggregateID == "":
		return &bberrors.ValidationError{Field: "aggregate_id", Message: "required"}
	case e.OccurredAt.IsZero():
		return &bberrors.ValidationError{Field: "occurred_at", Message: "required"}
	}
	return nil
}

// Version returns the payload schema version, defaulting to 1.
func (e Event) Version() int {
	if e.Metadata.SchemaVersion <= 0 {
		return 1
	}
	return e.Metadata.SchemaVersion
}

// Decode extracts the typed payload of evt. A type mismatch or malformed
// body is a permanent failure.
func Decode[T Payload](evt Event) (T, error) {
	var payload T
	if want := payload.EventType(); want != evt.Type {
		return payload, &bberrors.DecodeError{
			EventType: evt.Type,
			Err:       fmt.Errorf("payload is %s, not %s", evt.Type, want),
		}
	}
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return payload, &bberrors.DecodeError{EventType: evt.Type, Err: err}
	}
	return payload, nil
}

// Marshal encodes the full envelope.
func Marshal(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}
	return data, nil
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, &bberrors.DecodeError{EventType: "envelope", Err: err}
	}
	if err := evt.Validate(); err != nil {
		return Event{}, err
	}
	return evt, nil
}
