package worker

import (
	"sync"
	"time"
)

// holds tracks aggregates whose oldest pending message is waiting for a
// retry. Later messages of a held aggregate are deferred so that effects
// apply in publish order.
type holds struct {
	mu    sync.Mutex
	byKey map[string]*hold
	ttl   time.Duration
	nowFn func() time.Time
}

type hold struct {
	messageID string
	failures  int
	since     time.Time
	expires   time.Time
}

func newHolds(ttl time.Duration, now func() time.Time) *holds {
	return &holds{byKey: make(map[string]*hold), ttl: ttl, nowFn: now}
}

// blockedBy returns the message holding key, if it is not messageID.
func (h *holds) blockedBy(key, messageID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.byKey[key]
	if !ok {
		return "", false
	}
	if h.nowFn().After(rec.expires) {
		delete(h.byKey, key)
		return "", false
	}
	if rec.messageID == messageID {
		return "", false
	}
	return rec.messageID, true
}

// hold records that messageID failed and blocks key until it is released
// or the hold expires. An existing hold by another message is kept.
func (h *holds) hold(key, messageID string) {
	now := h.nowFn()

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.byKey[key]
	if ok && rec.messageID != messageID && now.Before(rec.expires) {
		return
	}
	if !ok || rec.messageID != messageID {
		rec = &hold{messageID: messageID, since: now}
		h.byKey[key] = rec
	}
	rec.failures++
	rec.expires = now.Add(h.ttl)
}

// release drops the hold of messageID on key.
func (h *holds) release(key, messageID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec, ok := h.byKey[key]; ok && rec.messageID == messageID {
		delete(h.byKey, key)
	}
}

// sweep drops expired holds and returns how many remain.
func (h *holds) sweep() int {
	now := h.nowFn()

	h.mu.Lock()
	defer h.mu.Unlock()

	for key, rec := range h.byKey {
		if now.After(rec.expires) {
			delete(h.byKey, key)
		}
	}
	return len(h.byKey)
}
