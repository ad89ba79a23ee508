package deadletter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/deadletter"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/sqlitedb"
)

type policyCreated struct {
	PolicyID int64 `json:"policy_id"`
}

func (policyCreated) EventType() string { return "PolicyCreated" }

type commissionsCalculated struct {
	PolicyID int64 `json:"policy_id"`
}

func (commissionsCalculated) EventType() string { return "CommissionsCalculated" }

func queues(t *testing.T) map[string]deadletter.Queue {
	db, err := sqlitedb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqliteQueue, err := deadletter.NewSQLiteQueue(context.Background(), db)
	require.NoError(t, err)

	return map[string]deadletter.Queue{
		"memory": deadletter.NewMemoryQueue(),
		"sqlite": sqliteQueue,
	}
}

func newRecord(t *testing.T, handler string, payload event.Payload, failedAt time.Time) deadletter.Record {
	t.Helper()
	evt, err := event.New("policy", "42", payload, event.WithCorrelationID("corr-1"))
	require.NoError(t, err)
	return deadletter.Record{
		Group:         "documents",
		Handler:       handler,
		Event:         evt,
		MessageID:     "1700000000000-0",
		ErrorMessage:  "template missing",
		ErrorCategory: "permanent",
		AttemptCount:  3,
		FailedAt:      failedAt,
	}
}

func TestQueueContract(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(t, "render-pdf", policyCreated{PolicyID: 42}, base)

			created, err := q.Enqueue(ctx, rec)
			require.NoError(t, err)
			assert.True(t, created)

			again, err := q.Enqueue(ctx, rec)
			require.NoError(t, err)
			assert.False(t, again, "one record per group, handler and event")

			id := deadletter.RecordID("documents", "render-pdf", rec.Event.ID)
			got, err := q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, id, got.ID)
			assert.Equal(t, "documents", got.Group)
			assert.Equal(t, "render-pdf", got.Handler)
			assert.Equal(t, rec.Event.ID, got.Event.ID)
			assert.Equal(t, "PolicyCreated", got.Event.Type)
			assert.Equal(t, "corr-1", got.Event.Metadata.CorrelationID)
			assert.JSONEq(t, string(rec.Event.Payload), string(got.Event.Payload))
			assert.Equal(t, "template missing", got.ErrorMessage)
			assert.Equal(t, "permanent", got.ErrorCategory)
			assert.Equal(t, 3, got.AttemptCount)
			assert.True(t, base.Equal(got.FailedAt))
			assert.False(t, got.Resolved())

			has, err := q.Has(ctx, "documents", "render-pdf", rec.Event.ID)
			require.NoError(t, err)
			assert.True(t, has)
			has, err = q.Has(ctx, "notifications", "render-pdf", rec.Event.ID)
			require.NoError(t, err)
			assert.False(t, has, "records are scoped per group")

			_, err = q.Get(ctx, "missing")
			assert.ErrorIs(t, err, deadletter.ErrNotFound)
		})
	}
}

func TestQueueListAndCounts(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			recs := []deadletter.Record{
				newRecord(t, "render-pdf", policyCreated{PolicyID: 1}, base.Add(2*time.Minute)),
				newRecord(t, "notify", policyCreated{PolicyID: 2}, base),
				newRecord(t, "notify", commissionsCalculated{PolicyID: 3}, base.Add(time.Minute)),
			}
			for _, rec := range recs {
				_, err := q.Enqueue(ctx, rec)
				require.NoError(t, err)
			}

			all, err := q.List(ctx, deadletter.Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, recs[1].Event.ID, all[0].Event.ID, "oldest first")
			assert.Equal(t, recs[0].Event.ID, all[2].Event.ID)

			notify, err := q.List(ctx, deadletter.Filter{Handler: "notify"})
			require.NoError(t, err)
			assert.Len(t, notify, 2)

			typed, err := q.List(ctx, deadletter.Filter{EventType: "CommissionsCalculated"})
			require.NoError(t, err)
			require.Len(t, typed, 1)
			assert.Equal(t, recs[2].Event.ID, typed[0].Event.ID)

			limited, err := q.List(ctx, deadletter.Filter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			n, err := q.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			byType, err := q.CountByType(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"PolicyCreated": 2, "CommissionsCalculated": 1}, byType)
		})
	}
}

func TestQueueResolveAndRequeue(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(t, "notify", policyCreated{PolicyID: 7}, time.Time{})
			_, err := q.Enqueue(ctx, rec)
			require.NoError(t, err)
			id := deadletter.RecordID(rec.Group, rec.Handler, rec.Event.ID)

			require.NoError(t, q.RecordFailure(ctx, id, "smtp: timeout"))
			got, err := q.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 4, got.AttemptCount)
			assert.Equal(t, "smtp: timeout", got.ErrorMessage)

			require.NoError(t, q.Resolve(ctx, id))
			require.NoError(t, q.Resolve(ctx, id), "resolving twice is harmless")
			got, err = q.Get(ctx, id)
			require.NoError(t, err)
			assert.True(t, got.Resolved())

			has, err := q.Has(ctx, rec.Group, rec.Handler, rec.Event.ID)
			require.NoError(t, err)
			assert.False(t, has)
			open, err := q.List(ctx, deadletter.Filter{})
			require.NoError(t, err)
			assert.Empty(t, open)
			withResolved, err := q.List(ctx, deadletter.Filter{IncludeResolved: true})
			require.NoError(t, err)
			assert.Len(t, withResolved, 1)

			rec.ErrorMessage = "smtp: refused"
			created, err := q.Enqueue(ctx, rec)
			require.NoError(t, err)
			assert.True(t, created, "a resolved record is replaced")
			got, err = q.Get(ctx, id)
			require.NoError(t, err)
			assert.False(t, got.Resolved())
			assert.Equal(t, "smtp: refused", got.ErrorMessage)

			assert.ErrorIs(t, q.Resolve(ctx, "missing"), deadletter.ErrNotFound)
			assert.ErrorIs(t, q.RecordFailure(ctx, "missing", "x"), deadletter.ErrNotFound)
		})
	}
}

func TestQueueUndecodableMessage(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := deadletter.Record{
				Group:         "documents",
				MessageID:     "1700000000000-3",
				ErrorMessage:  "decode envelope payload: unexpected end of JSON input",
				ErrorCategory: "permanent",
				AttemptCount:  1,
			}
			created, err := q.Enqueue(ctx, rec)
			require.NoError(t, err)
			assert.True(t, created)

			recs, err := q.List(ctx, deadletter.Filter{Group: "documents"})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, deadletter.RecordID("documents", "", "1700000000000-3"), recs[0].ID)
			assert.Empty(t, recs[0].Handler)
			assert.Equal(t, "1700000000000-3", recs[0].MessageID)
		})
	}
}

func TestMemoryQueueClosed(t *testing.T) {
	q := deadletter.NewMemoryQueue()
	require.NoError(t, q.Close())
	_, err := q.Enqueue(context.Background(), deadletter.Record{MessageID: "1-0"})
	assert.ErrorIs(t, err, deadletter.ErrClosed)
	_, err = q.Count(context.Background())
	assert.ErrorIs(t, err, deadletter.ErrClosed)
}

func TestMemoryQueueOnEnqueue(t *testing.T) {
	q := deadletter.NewMemoryQueue()
	var seen []string
	q.OnEnqueue = func(rec deadletter.Record) { seen = append(seen, rec.Handler) }

	rec := newRecord(t, "notify", policyCreated{PolicyID: 1}, time.Time{})
	_, err := q.Enqueue(context.Background(), rec)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, []string{"notify"}, seen, "hook fires for new records only")
}

// fakeTarget fails the first failures redeliveries.
type fakeTarget struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (f *fakeTarget) Redeliver(_ context.Context, evt event.Event, handler string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, handler+":"+evt.ID)
	if f.failures > 0 {
		f.failures--
		return errors.New("smtp: connection reset")
	}
	return nil
}

func TestReplayer(t *testing.T) {
	ctx := context.Background()
	q := deadletter.NewMemoryQueue()
	target := &fakeTarget{failures: 1}
	replayer := deadletter.NewReplayer(q, map[string]deadletter.Target{"documents": target}, nil)

	rec := newRecord(t, "notify", policyCreated{PolicyID: 1}, time.Time{})
	_, err := q.Enqueue(ctx, rec)
	require.NoError(t, err)
	id := deadletter.RecordID(rec.Group, rec.Handler, rec.Event.ID)

	err = replayer.Replay(ctx, id)
	require.Error(t, err)
	got, _ := q.Get(ctx, id)
	assert.False(t, got.Resolved())
	assert.Equal(t, 4, got.AttemptCount, "failed replay is recorded")

	require.NoError(t, replayer.Replay(ctx, id))
	got, _ = q.Get(ctx, id)
	assert.True(t, got.Resolved())

	require.NoError(t, replayer.Replay(ctx, id), "replaying a resolved record is a no-op")
	assert.Len(t, target.calls, 2)
	assert.Equal(t, "notify:"+rec.Event.ID, target.calls[0])

	assert.ErrorIs(t, replayer.Replay(ctx, "missing"), deadletter.ErrNotFound)
}

func TestReplayerRejectsUnreplayable(t *testing.T) {
	ctx := context.Background()
	q := deadletter.NewMemoryQueue()
	replayer := deadletter.NewReplayer(q, map[string]deadletter.Target{"documents": &fakeTarget{}}, nil)

	_, err := q.Enqueue(ctx, deadletter.Record{Group: "documents", MessageID: "1-0"})
	require.NoError(t, err)
	err = replayer.Replay(ctx, deadletter.RecordID("documents", "", "1-0"))
	assert.ErrorIs(t, err, deadletter.ErrNotReplayable)

	rec := newRecord(t, "notify", policyCreated{PolicyID: 1}, time.Time{})
	rec.Group = "audit"
	_, err = q.Enqueue(ctx, rec)
	require.NoError(t, err)
	err = replayer.Replay(ctx, deadletter.RecordID("audit", "notify", rec.Event.ID))
	assert.ErrorIs(t, err, deadletter.ErrNotReplayable, "no target for the group")
}

func TestReplayAll(t *testing.T) {
	ctx := context.Background()
	q := deadletter.NewMemoryQueue()
	target := &fakeTarget{failures: 1}
	replayer := deadletter.NewReplayer(q, map[string]deadletter.Target{"documents": target}, nil)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		_, err := q.Enqueue(ctx, newRecord(t, "notify", policyCreated{PolicyID: int64(i)}, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	replayed, err := replayer.ReplayAll(ctx, deadletter.Filter{Handler: "notify"})
	require.NoError(t, err)
	assert.Equal(t, 2, replayed, "the first replay fails and the run continues")

	open, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}
