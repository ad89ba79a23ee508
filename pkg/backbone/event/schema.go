package event

import (
	"encoding/json"
	"fmt"
	"sort"

	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
)

// DefaultCategory is the topic category for event types without a schema.
const DefaultCategory = "general"

// Validator is implemented by payloads that check their own invariants.
type Validator interface {
	Validate() error
}

// Schema describes one version of an event type.
type Schema struct {
	// Type is the event type tag.
	Type string

	// Version is the schema version number.
	Version int

	// Category groups event types onto one stream topic.
	Category string

	// Description explains the event's purpose.
	Description string

	// Deprecated marks the schema as deprecated.
	Deprecated bool

	decode func(json.RawMessage) (Payload, error)
}

// Define builds the schema of payload type T.
func Define[T Payload](category string, version int, description string) Schema {
	var zero T
	return Schema{
		Type:        zero.EventType(),
		Version:     version,
		Category:    category,
		Description: description,
		decode: func(data json.RawMessage) (Payload, error) {
			var payload T
			if err := json.Unmarshal(data, &payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
	}
}

// Schemas is an immutable table of event schemas, built once at startup
// and shared by publishers and workers.
type Schemas struct {
	// latest maps event type -> highest registered version
	latest map[string]Schema

	// versions maps event type -> version -> schema
	versions map[string]map[int]Schema
}

// NewSchemas validates and indexes the given schemas.
func NewSchemas(schemas ...Schema) (*Schemas, error) {
	s := &Schemas{
		latest:   make(map[string]Schema, len(schemas)),
		versions: make(map[string]map[int]Schema, len(schemas)),
	}
	for _, schema := range schemas {
		if schema.Type == "" {
			return nil, fmt.Errorf("event type is required")
		}
		if schema.Version <= 0 {
			return nil, fmt.Errorf("schema %s: version must be positive", schema.Type)
		}
		if schema.decode == nil {
			return nil, fmt.Errorf("schema %s: built without Define", schema.Type)
		}
		if schema.Category == "" {
			schema.Category = DefaultCategory
		}

		if s.versions[schema.Type] == nil {
			s.versions[schema.Type] = make(map[int]Schema)
		}
		if _, dup := s.versions[schema.Type][schema.Version]; dup {
			return nil, fmt.Errorf("schema %s v%d registered twice", schema.Type, schema.Version)
		}
		s.versions[schema.Type][schema.Version] = schema

		if current, ok := s.latest[schema.Type]; !ok || schema.Version > current.Version {
			s.latest[schema.Type] = schema
		}
	}
	return s, nil
}

// MustSchemas is NewSchemas for static tables; it panics on error.
func MustSchemas(schemas ...Schema) *Schemas {
	s, err := NewSchemas(schemas...)
	if err != nil {
		panic(err)
	}
	return s
}

// Get returns the latest schema for an event type.
func (s *Schemas) Get(eventType string) (Schema, bool) {
	schema, ok := s.latest[eventType]
	return schema, ok
}

// GetVersion returns a specific version of a schema.
func (s *Schemas) GetVersion(eventType string, version int) (Schema, bool) {
	versions, ok := s.versions[eventType]
	if !ok {
		return Schema{}, false
	}
	schema, ok := versions[version]
	return schema, ok
}

// Has returns true if a schema exists for the event type.
func (s *Schemas) Has(eventType string) bool {
	_, ok := s.latest[eventType]
	return ok
}

// Category returns the topic category of an event type.
func (s *Schemas) Category(eventType string) string {
	if schema, ok := s.latest[eventType]; ok {
		return schema.Category
	}
	return DefaultCategory
}

// Categories returns every category in use, sorted.
func (s *Schemas) Categories() []string {
	seen := make(map[string]struct{})
	for _, schema := range s.latest {
		seen[schema.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Types returns all registered event types, sorted.
func (s *Schemas) Types() []string {
	types := make([]string, 0, len(s.latest))
	for t := range s.latest {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Decode returns the typed payload of evt for its exact schema version.
func (s *Schemas) Decode(evt Event) (Payload, error) {
	schema, ok := s.GetVersion(evt.Type, evt.Version())
	if !ok {
		return nil, &bberrors.DecodeError{
			EventType: evt.Type,
			Err:       fmt.Errorf("no schema for version %d", evt.Version()),
		}
	}
	payload, err := schema.decode(evt.Payload)
	if err != nil {
		return nil, &bberrors.DecodeError{EventType: evt.Type, Err: err}
	}
	return payload, nil
}

// Validate checks the envelope, decodes the payload and runs its own
// validation when it has one.
func (s *Schemas) Validate(evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	payload, err := s.Decode(evt)
	if err != nil {
		return err
	}
	if v, ok := payload.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", evt.Type, err)
		}
	}
	return nil
}
