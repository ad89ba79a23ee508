package deadletter

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is an in-memory Queue.
// Suitable for testing and single-instance deployments.
type MemoryQueue struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool

	// OnEnqueue is called after a new record is stored.
	OnEnqueue func(Record)
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{records: make(map[string]*Record)}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, rec Record) (bool, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	rec = prepare(rec)
	if existing, ok := q.records[rec.ID]; ok && !existing.Resolved() {
		q.mu.Unlock()
		return false, nil
	}
	q.records[rec.ID] = &rec
	hook := q.OnEnqueue
	q.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return true, nil
}

// Has implements Queue.
func (q *MemoryQueue) Has(_ context.Context, group, handler, eventID string) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false, ErrClosed
	}
	rec, ok := q.records[RecordID(group, handler, eventID)]
	return ok && !rec.Resolved(), nil
}

// Get implements Queue.
func (q *MemoryQueue) Get(_ context.Context, id string) (Record, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return Record{}, ErrClosed
	}
	rec, ok := q.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// List implements Queue.
func (q *MemoryQueue) List(_ context.Context, filter Filter) ([]Record, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}

	var out []Record
	for _, rec := range q.records {
		if filter.match(*rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count implements Queue.
func (q *MemoryQueue) Count(_ context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, rec := range q.records {
		if !rec.Resolved() {
			n++
		}
	}
	return n, nil
}

// CountByType implements Queue.
func (q *MemoryQueue) CountByType(_ context.Context) (map[string]int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}
	counts := make(map[string]int)
	for _, rec := range q.records {
		if !rec.Resolved() {
			counts[rec.Event.Type]++
		}
	}
	return counts, nil
}

// RecordFailure implements Queue.
func (q *MemoryQueue) RecordFailure(_ context.Context, id, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	rec, ok := q.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.AttemptCount++
	rec.ErrorMessage = message
	rec.FailedAt = time.Now().UTC()
	return nil
}

// Resolve implements Queue.
func (q *MemoryQueue) Resolve(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	rec, ok := q.records[id]
	if !ok {
		return ErrNotFound
	}
	if !rec.Resolved() {
		rec.ResolvedAt = time.Now().UTC()
	}
	return nil
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
