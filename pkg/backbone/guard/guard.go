// Package guard records which handler effects have already been applied so
// that redelivered messages become no-ops.
//
// Handlers whose effect has its own uniqueness constraint (one policy per
// quote) are idempotent on their own; the guard short-circuits known
// duplicates before the handler runs and is the only protection for
// effects that cannot be made transactional, such as sending an email.
package guard

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed indicates the guard has been closed.
var ErrClosed = errors.New("idempotency guard closed")

// Guard tracks applied (handler, dedup key) pairs.
// Implementations must be safe for concurrent use.
type Guard interface {
	// Applied reports whether the handler already applied the effect
	// identified by key.
	Applied(ctx context.Context, handler, key string) (bool, error)

	// MarkApplied records the effect. It reports false when the pair was
	// already recorded.
	MarkApplied(ctx context.Context, handler, key string) (bool, error)
}

// MemoryGuard is an in-memory Guard for tests and single-process demos.
type MemoryGuard struct {
	mu      sync.RWMutex
	applied map[string]time.Time
	closed  bool
}

// NewMemoryGuard creates an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{applied: make(map[string]time.Time)}
}

// Applied implements Guard.
func (g *MemoryGuard) Applied(_ context.Context, handler, key string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return false, ErrClosed
	}
	_, ok := g.applied[compositeKey(handler, key)]
	return ok, nil
}

// MarkApplied implements Guard.
func (g *MemoryGuard) MarkApplied(_ context.Context, handler, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false, ErrClosed
	}
	k := compositeKey(handler, key)
	if _, ok := g.applied[k]; ok {
		return false, nil
	}
	g.applied[k] = time.Now().UTC()
	return true, nil
}

// Len returns the number of recorded pairs.
func (g *MemoryGuard) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.applied)
}

// Close releases the guard.
func (g *MemoryGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func compositeKey(handler, key string) string {
	return handler + "\x00" + key
}

// Nop is a Guard that never remembers anything. Handlers then rely only on
// their own uniqueness constraints.
type Nop struct{}

// Applied implements Guard.
func (Nop) Applied(context.Context, string, string) (bool, error) { return false, nil }

// MarkApplied implements Guard.
func (Nop) MarkApplied(context.Context, string, string) (bool, error) { return true, nil }

var (
	_ Guard = (*MemoryGuard)(nil)
	_ Guard = Nop{}
)
