// Package deadletter quarantines events whose processing failed for good.
//
// A record is written per (consumer group, handler, event): one failing
// handler of a fan-out is dead-lettered without touching its siblings. The
// record carries the full event envelope, so it can be inspected and
// replayed without the stream entry, which may have been trimmed since.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// Sentinel errors for dead-letter operations.
var (
	// ErrNotFound indicates no record has the requested ID.
	ErrNotFound = errors.New("dead-letter record not found")

	// ErrClosed indicates the queue has been closed.
	ErrClosed = errors.New("dead-letter queue closed")
)

// Record is a dead-lettered event.
type Record struct {
	// ID is derived from group, handler and event ID.
	ID string

	// Group is the consumer group that gave up on the event.
	Group string

	// Handler is the name of the failing handler; empty when the message
	// could not be decoded and no handler ran.
	Handler string

	// Event is the original envelope.
	Event event.Event

	// MessageID is the stream message that carried the event.
	MessageID string

	// ErrorMessage is the last failure.
	ErrorMessage string

	// ErrorCategory is "transient" (budget exhausted) or "permanent".
	ErrorCategory string

	// AttemptCount is how many times the handler ran.
	AttemptCount int

	// FailedAt is when the record was written.
	FailedAt time.Time

	// ResolvedAt is set once an operator replayed or dismissed the record.
	ResolvedAt time.Time
}

// Resolved reports whether the record was resolved.
func (r Record) Resolved() bool {
	return !r.ResolvedAt.IsZero()
}

// Filter narrows List.
type Filter struct {
	Group           string
	Handler         string
	EventType       string
	IncludeResolved bool

	// Limit caps the result; zero means no cap.
	Limit int
}

func (f Filter) match(r Record) bool {
	if f.Group != "" && r.Group != f.Group {
		return false
	}
	if f.Handler != "" && r.Handler != f.Handler {
		return false
	}
	if f.EventType != "" && r.Event.Type != f.EventType {
		return false
	}
	return f.IncludeResolved || !r.Resolved()
}

// Queue stores dead-letter records.
// Implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue stores rec. Enqueuing the same group, handler and event
	// again keeps the first record and reports false.
	Enqueue(ctx context.Context, rec Record) (bool, error)

	// Has reports whether the handler's processing of the event was
	// dead-lettered by the group and not yet resolved.
	Has(ctx context.Context, group, handler, eventID string) (bool, error)

	// Get returns one record.
	// Returns ErrNotFound if no record has the ID.
	Get(ctx context.Context, id string) (Record, error)

	// List returns matching records, oldest first.
	List(ctx context.Context, filter Filter) ([]Record, error)

	// Count returns the number of unresolved records.
	Count(ctx context.Context) (int, error)

	// CountByType returns unresolved counts grouped by event type.
	CountByType(ctx context.Context) (map[string]int, error)

	// RecordFailure stores another failed replay attempt.
	RecordFailure(ctx context.Context, id, message string) error

	// Resolve marks the record resolved.
	Resolve(ctx context.Context, id string) error

	// Close releases resources held by the queue.
	Close() error
}

// recordNamespace seeds record IDs.
var recordNamespace = uuid.MustParse("6f3c1f9e-1f0c-4f55-9a4e-63b0c0d0e5a1")

// RecordID returns the ID of the record for group, handler and event.
func RecordID(group, handler, eventID string) string {
	return uuid.NewSHA1(recordNamespace, []byte(group+"\x00"+handler+"\x00"+eventID)).String()
}

// prepare fills derived fields of a record about to be enqueued. Records
// of undecodable messages are keyed by message ID.
func prepare(rec Record) Record {
	key := rec.Event.ID
	if key == "" {
		key = rec.MessageID
	}
	rec.ID = RecordID(rec.Group, rec.Handler, key)
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now()
	}
	rec.FailedAt = rec.FailedAt.UTC()
	rec.ResolvedAt = time.Time{}
	return rec
}
