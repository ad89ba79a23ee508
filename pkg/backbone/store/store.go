// Package store provides the durable, append-only event log that is the
// audit trail and replay source of the backbone.
package store

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// DefaultPageSize is the number of records fetched per round trip by Read.
const DefaultPageSize = 256

// Store is the append-only event log.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append records evt and returns its sequence number. Appending an
	// event_id that is already present is a no-op returning the existing
	// sequence number. Append is atomic per event.
	Append(ctx context.Context, evt event.Event) (uint64, error)

	// Get returns the record of one event.
	// Returns ErrNotFound if the event was never appended.
	Get(ctx context.Context, eventID string) (Record, error)

	// Read yields the events of one aggregate with sequence >= from in
	// ascending order. The sequence is lazy and may be ranged over again.
	Read(ctx context.Context, aggregateID string, from uint64) iter.Seq2[Record, error]

	// ReadAll yields every event with sequence >= from in ascending order.
	// Sequences become visible in order, so a reader that resumes from its
	// last sequence plus one never skips a record. Sequences may have gaps.
	ReadAll(ctx context.Context, from uint64) iter.Seq2[Record, error]

	// MarkDelivered records that a consumer group finished the event.
	// Repeated calls keep the first delivery time.
	MarkDelivered(ctx context.Context, eventID, group string) error

	// Deliveries lists the groups that finished the event.
	Deliveries(ctx context.Context, eventID string) ([]Delivery, error)

	// MarkPublished records that the event reached the stream bus.
	MarkPublished(ctx context.Context, eventID string) error

	// Unpublished returns events recorded before the cutoff that never
	// reached the stream bus, oldest first.
	Unpublished(ctx context.Context, recordedBefore time.Time, limit int) ([]Record, error)

	// LastSequence returns the highest sequence number, or 0 when empty.
	LastSequence(ctx context.Context) (uint64, error)

	// Close releases resources held by the store.
	Close() error
}

// Record is an event as held by the store.
type Record struct {
	event.Event

	// Sequence is the store-assigned position in the total order of the log.
	Sequence uint64

	// RecordedAt is when the store committed the event.
	RecordedAt time.Time

	// PublishedAt is when the event reached the stream bus; zero if not yet.
	PublishedAt time.Time
}

// Delivery is a per consumer group processing checkpoint.
type Delivery struct {
	EventID     string
	Group       string
	DeliveredAt time.Time
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates an event doesn't exist.
	ErrNotFound = errors.New("event not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("event store closed")
)

// Collect drains a record sequence into a slice.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// pageFunc fetches up to limit records with sequence >= from.
type pageFunc func(ctx context.Context, from uint64, limit int) ([]Record, error)

// paged turns a page fetcher into a lazy record sequence. Every page is
// fully read before records are yielded, so no cursor is held while the
// consumer runs.
func paged(ctx context.Context, from uint64, size int, fetch pageFunc) iter.Seq2[Record, error] {
	if size <= 0 {
		size = DefaultPageSize
	}
	return func(yield func(Record, error) bool) {
		next := from
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			batch, err := fetch(ctx, next, size)
			if err != nil {
				yield(Record{}, err)
				return
			}
			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
				next = rec.Sequence + 1
			}
			if len(batch) < size {
				return
			}
		}
	}
}
