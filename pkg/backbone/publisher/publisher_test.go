package publisher_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/publisher"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/store"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/stream"
)

type quoteAccepted struct {
	QuoteID int64   `json:"quote_id"`
	Premium float64 `json:"premium"`
}

func (quoteAccepted) EventType() string { return "QuoteAccepted" }

func (q quoteAccepted) Validate() error {
	if q.Premium <= 0 {
		return &bberrors.ValidationError{Field: "premium", Message: "must be positive"}
	}
	return nil
}

var schemas = event.MustSchemas(event.Define[quoteAccepted]("quote", 1, "A client accepted a quote"))

// failingStore fails Append while failAppend is set.
type failingStore struct {
	*store.MemoryStore
	failAppend atomic.Bool
}

func (s *failingStore) Append(ctx context.Context, evt event.Event) (uint64, error) {
	if s.failAppend.Load() {
		return 0, errors.New("database is locked")
	}
	return s.MemoryStore.Append(ctx, evt)
}

// flakyBus fails Publish while down is set.
type flakyBus struct {
	*stream.MemoryBus
	down atomic.Bool
}

func (b *flakyBus) Publish(ctx context.Context, topic string, evt event.Event) (string, error) {
	if b.down.Load() {
		return "", errors.New("connection refused")
	}
	return b.MemoryBus.Publish(ctx, topic, evt)
}

type fixture struct {
	store *failingStore
	bus   *flakyBus
	pub   *publisher.Publisher
	sub   stream.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: &failingStore{MemoryStore: store.NewMemoryStore()},
		bus:   &flakyBus{MemoryBus: stream.NewMemoryBus()},
	}
	var err error
	f.pub, err = publisher.New(publisher.Config{Store: f.store, Bus: f.bus, Schemas: schemas})
	require.NoError(t, err)

	f.sub, err = f.bus.Subscribe(context.Background(), "insurance:events:quote", "policy-saga", "c1")
	require.NoError(t, err)
	return f
}

func (f *fixture) read(t *testing.T) []stream.Message {
	t.Helper()
	msgs, err := f.sub.Read(context.Background(), 10, 0)
	require.NoError(t, err)
	return msgs
}

func newQuote(t *testing.T, premium float64) event.Event {
	t.Helper()
	evt, err := event.New("quote", "5", quoteAccepted{QuoteID: 5, Premium: premium})
	require.NoError(t, err)
	return evt
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evt := newQuote(t, 1200)

	id, err := f.pub.Publish(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, id)
	assert.Equal(t, "insurance:events:quote", f.pub.Topic(evt))

	rec, err := f.store.Get(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Sequence)
	assert.False(t, rec.PublishedAt.IsZero())

	msgs := f.read(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, evt.ID, msgs[0].EventID)
}

func TestPublishDurabilityFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failAppend.Store(true)

	_, err := f.pub.Publish(context.Background(), newQuote(t, 1200))

	var durability *bberrors.DurabilityError
	require.ErrorAs(t, err, &durability)
	assert.Empty(t, f.read(t), "nothing reaches the bus when the store fails")

	last, err := f.store.LastSequence(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestPublishRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.pub.Publish(context.Background(), newQuote(t, 0))
	require.Error(t, err)
	assert.True(t, bberrors.IsPermanent(err))

	last, _ := f.store.LastSequence(context.Background())
	assert.Zero(t, last)
}

func TestPublishIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evt := newQuote(t, 1200)

	_, err := f.pub.Publish(ctx, evt)
	require.NoError(t, err)
	_, err = f.pub.Publish(ctx, evt)
	require.NoError(t, err)

	assert.Len(t, f.read(t), 1, "an already broadcast event is not broadcast again")
	last, _ := f.store.LastSequence(ctx)
	assert.Equal(t, uint64(1), last)
}

func TestPublishBusDownThenRelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evt := newQuote(t, 1200)

	f.bus.down.Store(true)
	_, err := f.pub.Publish(ctx, evt)
	require.NoError(t, err, "the event is durable, so publish succeeds")
	assert.Empty(t, f.read(t))

	relay := publisher.NewRelay(f.pub, publisher.RelayConfig{Grace: time.Nanosecond})
	time.Sleep(time.Millisecond)

	sent, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent, "bus still down")

	f.bus.down.Store(false)
	sent, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	msgs := f.read(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, evt.ID, msgs[0].EventID)

	sent, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestPublishKeepsAggregateOrderAfterBusFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, second := newQuote(t, 1200), newQuote(t, 1300)

	f.bus.down.Store(true)
	_, err := f.pub.Publish(ctx, first)
	require.NoError(t, err)

	f.bus.down.Store(false)
	_, err = f.pub.Publish(ctx, second)
	require.NoError(t, err)
	assert.Empty(t, f.read(t), "the later event waits behind the unpublished one")

	rec, err := f.store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, rec.PublishedAt.IsZero())

	relay := publisher.NewRelay(f.pub, publisher.RelayConfig{Grace: time.Nanosecond})
	time.Sleep(time.Millisecond)
	sent, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	msgs := f.read(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].EventID)
	assert.Equal(t, second.ID, msgs[1].EventID)
}

func TestPublishOtherAggregateNotHeldBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bus.down.Store(true)
	_, err := f.pub.Publish(ctx, newQuote(t, 1200))
	require.NoError(t, err)
	f.bus.down.Store(false)

	other, err := event.New("quote", "6", quoteAccepted{QuoteID: 6, Premium: 900})
	require.NoError(t, err)
	_, err = f.pub.Publish(ctx, other)
	require.NoError(t, err)

	msgs := f.read(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, other.ID, msgs[0].EventID)
}

// failOnceBus fails the first broadcast of one event.
type failOnceBus struct {
	*stream.MemoryBus
	eventID string
	failed  atomic.Bool
}

func (b *failOnceBus) Publish(ctx context.Context, topic string, evt event.Event) (string, error) {
	if evt.ID == b.eventID && b.failed.CompareAndSwap(false, true) {
		return "", errors.New("connection reset")
	}
	return b.MemoryBus.Publish(ctx, topic, evt)
}

func TestRelayStallsAggregateAfterFailure(t *testing.T) {
	ctx := context.Background()
	events := store.NewMemoryStore()
	first, second := newQuote(t, 1200), newQuote(t, 1300)
	_, err := events.Append(ctx, first)
	require.NoError(t, err)
	_, err = events.Append(ctx, second)
	require.NoError(t, err)

	bus := &failOnceBus{MemoryBus: stream.NewMemoryBus(), eventID: first.ID}
	sub, err := bus.Subscribe(ctx, "insurance:events:quote", "policy-saga", "c1")
	require.NoError(t, err)
	pub, err := publisher.New(publisher.Config{Store: events, Bus: bus, Schemas: schemas})
	require.NoError(t, err)

	relay := publisher.NewRelay(pub, publisher.RelayConfig{Grace: time.Nanosecond})
	time.Sleep(time.Millisecond)

	sent, err := relay.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent, "the second event is not sent ahead of the first")

	sent, err = relay.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	msgs, err := sub.Read(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].EventID)
	assert.Equal(t, second.ID, msgs[1].EventID)
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.bus.down.Store(true)
	_, err := f.pub.Publish(context.Background(), newQuote(t, 1200))
	require.NoError(t, err)
	f.bus.down.Store(false)

	relay := publisher.NewRelay(f.pub, publisher.RelayConfig{Interval: 5 * time.Millisecond, Grace: time.Nanosecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	assert.Eventually(t, func() bool {
		pending, _ := f.store.Unpublished(context.Background(), time.Now().Add(time.Hour), 10)
		return len(pending) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestPublishBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ids, err := f.pub.PublishBatch(ctx, []event.Event{newQuote(t, 100), newQuote(t, 200)})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Len(t, f.read(t), 2)

	_, err = f.pub.PublishBatch(ctx, []event.Event{newQuote(t, 100), newQuote(t, 0)})
	require.Error(t, err, "an invalid event rejects the whole batch")
	assert.Empty(t, f.read(t))
}

func TestNewRequiresStoreAndBus(t *testing.T) {
	_, err := publisher.New(publisher.Config{Bus: stream.NewMemoryBus()})
	assert.Error(t, err)
	_, err = publisher.New(publisher.Config{Store: store.NewMemoryStore()})
	assert.Error(t, err)
}
