package stream

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// MemoryBus is an in-process Bus with the same consumer-group semantics
// as the Redis implementation. It backs tests and single-process demos.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	maxLen int
	now    func() time.Time
	closed bool
	done   chan struct{}
}

type memTopic struct {
	entries []memEntry // ascending seq
	seq     uint64
	groups  map[string]*memGroup
	notify  chan struct{} // closed and replaced on every publish
}

type memEntry struct {
	seq    uint64
	values map[string]any
}

type memGroup struct {
	cursor  uint64 // seq of the last entry handed out as new
	pending map[uint64]*memPending
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	count       int64
}

// MemoryOption configures a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithMaxLen caps the number of entries kept per topic.
func WithMaxLen(n int) MemoryOption {
	return func(b *MemoryBus) {
		b.maxLen = n
	}
}

// WithClock replaces the clock used for idle times.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBus) {
		b.now = now
	}
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	b := &MemoryBus{
		topics: make(map[string]*memTopic),
		maxLen: DefaultMaxLen,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, topic string, evt event.Event) (string, error) {
	values, err := encodeFields(evt)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrClosed
	}
	t := b.topic(topic)
	t.seq++
	t.entries = append(t.entries, memEntry{seq: t.seq, values: values})
	if b.maxLen > 0 && len(t.entries) > b.maxLen {
		t.entries = append([]memEntry(nil), t.entries[len(t.entries)-b.maxLen:]...)
	}

	close(t.notify)
	t.notify = make(chan struct{})
	return memID(t.seq), nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(_ context.Context, topic, group, consumer string, opts ...SubscribeOption) (Subscription, error) {
	cfg := newSubscribeConfig(opts)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	t := b.topic(topic)
	if _, ok := t.groups[group]; !ok {
		g := &memGroup{pending: make(map[uint64]*memPending)}
		if !cfg.fromBeginning {
			g.cursor = t.seq
		}
		t.groups[group] = g
	}
	return &memSubscription{
		bus:        b,
		topic:      topic,
		group:      group,
		consumer:   consumer,
		recovering: true,
	}, nil
}

// Close implements Bus. Blocked reads return ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// Len returns the number of entries currently held by a topic.
func (b *MemoryBus) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topic]; ok {
		return len(t.entries)
	}
	return 0
}

// topic returns the topic, creating it. Callers hold b.mu.
func (b *MemoryBus) topic(name string) *memTopic {
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{
			groups: make(map[string]*memGroup),
			notify: make(chan struct{}),
		}
		b.topics[name] = t
	}
	return t
}

// entry finds an entry by seq. Callers hold b.mu.
func (t *memTopic) entry(seq uint64) (memEntry, bool) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].seq >= seq })
	if i < len(t.entries) && t.entries[i].seq == seq {
		return t.entries[i], true
	}
	return memEntry{}, false
}

type memSubscription struct {
	bus         *MemoryBus
	topic       string
	group       string
	consumer    string
	recovering  bool   // guarded by bus.mu
	recoveredTo uint64 // guarded by bus.mu
}

func (s *memSubscription) Topic() string    { return s.topic }
func (s *memSubscription) Group() string    { return s.group }
func (s *memSubscription) Consumer() string { return s.consumer }

// Read implements Subscription.
func (s *memSubscription) Read(ctx context.Context, maxCount int, block time.Duration) ([]Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}
	var deadline time.Time
	if block > 0 {
		deadline = time.Now().Add(block)
	}

	for {
		msgs, notify, err := s.readOnce(maxCount)
		if err != nil || len(msgs) > 0 || block <= 0 {
			return msgs, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.bus.done:
			timer.Stop()
			return nil, ErrClosed
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (s *memSubscription) readOnce(maxCount int) ([]Message, <-chan struct{}, error) {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, nil, ErrClosed
	}
	t := b.topic(s.topic)
	g := t.groups[s.group]
	now := b.now()

	if s.recovering {
		var own []uint64
		for seq, p := range g.pending {
			if p.consumer == s.consumer && seq > s.recoveredTo {
				own = append(own, seq)
			}
		}
		if len(own) > 0 {
			sort.Slice(own, func(i, j int) bool { return own[i] < own[j] })
			if len(own) > maxCount {
				own = own[:maxCount]
			}
			msgs := make([]Message, 0, len(own))
			for _, seq := range own {
				p := g.pending[seq]
				p.count++
				p.deliveredAt = now
				var values map[string]any
				if e, ok := t.entry(seq); ok {
					values = e.values
				}
				msgs = append(msgs, decodeMessage(s.topic, memID(seq), values, p.count))
			}
			s.recoveredTo = own[len(own)-1]
			return msgs, nil, nil
		}
		s.recovering = false
	}

	var msgs []Message
	for _, e := range t.entries {
		if len(msgs) == maxCount {
			break
		}
		if e.seq <= g.cursor {
			continue
		}
		g.cursor = e.seq
		g.pending[e.seq] = &memPending{consumer: s.consumer, deliveredAt: now, count: 1}
		msgs = append(msgs, decodeMessage(s.topic, memID(e.seq), e.values, 1))
	}
	return msgs, t.notify, nil
}

// Ack implements Subscription.
func (s *memSubscription) Ack(_ context.Context, ids ...string) error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	g := b.topic(s.topic).groups[s.group]
	for _, id := range ids {
		seq, err := parseMemID(id)
		if err != nil {
			return err
		}
		delete(g.pending, seq)
	}
	return nil
}

// ClaimStale implements Subscription. Pending entries that were trimmed
// from the topic are dropped from the pending list.
func (s *memSubscription) ClaimStale(_ context.Context, minIdle time.Duration, count int) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	t := b.topic(s.topic)
	g := t.groups[s.group]
	now := b.now()

	var stale []uint64
	for seq, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			stale = append(stale, seq)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })

	var msgs []Message
	for _, seq := range stale {
		if len(msgs) == count {
			break
		}
		e, ok := t.entry(seq)
		if !ok {
			delete(g.pending, seq)
			continue
		}
		p := g.pending[seq]
		p.consumer = s.consumer
		p.deliveredAt = now
		p.count++
		msgs = append(msgs, decodeMessage(s.topic, memID(seq), e.values, p.count))
	}
	return msgs, nil
}

// Lag implements Subscription.
func (s *memSubscription) Lag(_ context.Context) (int64, error) {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	t := b.topic(s.topic)
	return int64(t.seq - t.groups[s.group].cursor), nil
}

// Pending implements Subscription.
func (s *memSubscription) Pending(_ context.Context) (int64, error) {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	return int64(len(b.topic(s.topic).groups[s.group].pending)), nil
}

func memID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

func parseMemID(id string) (uint64, error) {
	head, _, _ := strings.Cut(id, "-")
	seq, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q", id)
	}
	return seq, nil
}

var _ Bus = (*MemoryBus)(nil)
