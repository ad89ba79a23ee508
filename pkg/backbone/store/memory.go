package store

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// MemoryStore is an in-memory event store for tests and demos.
// Data is lost when the process exits.
type MemoryStore struct {
	mu         sync.RWMutex
	records    []Record         // ordered by sequence; records[i].Sequence == i+1
	byID       map[string]int   // eventID -> index into records
	byAgg      map[string][]int // aggregateID -> indexes, ascending
	deliveries map[string][]Delivery
	pageSize   int
	closed     bool
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]int),
		byAgg:      make(map[string][]int),
		deliveries: make(map[string][]Delivery),
		pageSize:   DefaultPageSize,
		now:        time.Now,
	}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, evt event.Event) (uint64, error) {
	if err := evt.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if idx, ok := m.byID[evt.ID]; ok {
		return m.records[idx].Sequence, nil
	}

	// Copy the payload to avoid retaining the caller's slice.
	stored := evt
	stored.Payload = append([]byte(nil), evt.Payload...)

	idx := len(m.records)
	rec := Record{
		Event:      stored,
		Sequence:   uint64(idx + 1),
		RecordedAt: m.now().UTC(),
	}
	m.records = append(m.records, rec)
	m.byID[evt.ID] = idx
	m.byAgg[evt.AggregateID] = append(m.byAgg[evt.AggregateID], idx)
	return rec.Sequence, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, eventID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Record{}, ErrClosed
	}
	idx, ok := m.byID[eventID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.records[idx], nil
}

// Read implements Store.
func (m *MemoryStore) Read(ctx context.Context, aggregateID string, from uint64) iter.Seq2[Record, error] {
	return paged(ctx, from, m.pageSize, func(_ context.Context, from uint64, limit int) ([]Record, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		if m.closed {
			return nil, ErrClosed
		}
		idxs := m.byAgg[aggregateID]
		start := sort.Search(len(idxs), func(i int) bool {
			return m.records[idxs[i]].Sequence >= from
		})
		out := make([]Record, 0, limit)
		for _, idx := range idxs[start:] {
			if len(out) == limit {
				break
			}
			out = append(out, m.records[idx])
		}
		return out, nil
	})
}

// ReadAll implements Store.
func (m *MemoryStore) ReadAll(ctx context.Context, from uint64) iter.Seq2[Record, error] {
	return paged(ctx, from, m.pageSize, func(_ context.Context, from uint64, limit int) ([]Record, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		if m.closed {
			return nil, ErrClosed
		}
		start := 0
		if from > 1 {
			start = int(from - 1)
		}
		if start >= len(m.records) {
			return nil, nil
		}
		end := min(start+limit, len(m.records))
		return append([]Record(nil), m.records[start:end]...), nil
	})
}

// MarkDelivered implements Store.
func (m *MemoryStore) MarkDelivered(_ context.Context, eventID, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, d := range m.deliveries[eventID] {
		if d.Group == group {
			return nil
		}
	}
	m.deliveries[eventID] = append(m.deliveries[eventID], Delivery{
		EventID:     eventID,
		Group:       group,
		DeliveredAt: m.now().UTC(),
	})
	return nil
}

// Deliveries implements Store.
func (m *MemoryStore) Deliveries(_ context.Context, eventID string) ([]Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	return append([]Delivery(nil), m.deliveries[eventID]...), nil
}

// MarkPublished implements Store.
func (m *MemoryStore) MarkPublished(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	idx, ok := m.byID[eventID]
	if !ok {
		return ErrNotFound
	}
	if m.records[idx].PublishedAt.IsZero() {
		m.records[idx].PublishedAt = m.now().UTC()
	}
	return nil
}

// Unpublished implements Store.
func (m *MemoryStore) Unpublished(_ context.Context, recordedBefore time.Time, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	var out []Record
	for _, rec := range m.records {
		if limit > 0 && len(out) == limit {
			break
		}
		if rec.PublishedAt.IsZero() && rec.RecordedAt.Before(recordedBefore) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// LastSequence implements Store.
func (m *MemoryStore) LastSequence(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.records)), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
