package store_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/store"
)

var integration = flag.Bool("integration", false, "perform integration tests against POSTGRES_URL")

type policyCreated struct {
	PolicyID int64 `json:"policy_id"`
	QuoteID  int64 `json:"quote_id"`
}

func (policyCreated) EventType() string { return "PolicyCreated" }

func newEvent(t *testing.T, aggregateID string, quoteID int64) event.Event {
	t.Helper()
	evt, err := event.New("policy", aggregateID, policyCreated{QuoteID: quoteID})
	require.NoError(t, err)
	return evt
}

// storeFactories returns every implementation exercised by the contract tests.
func storeFactories(t *testing.T) map[string]func(t *testing.T) store.Store {
	factories := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.OpenSQLiteStore(context.Background(), ":memory:")
			require.NoError(t, err)
			return s
		},
	}
	if *integration && os.Getenv("POSTGRES_URL") != "" {
		factories["postgres"] = func(t *testing.T) store.Store {
			ctx := context.Background()
			pool, err := pgxpool.New(ctx, os.Getenv("POSTGRES_URL"))
			require.NoError(t, err)
			t.Cleanup(pool.Close)
			_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS event_store, event_deliveries`)
			require.NoError(t, err)
			s, err := store.NewPostgresStore(ctx, pool)
			require.NoError(t, err)
			return s
		}
	}
	return factories
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("append assigns increasing sequence", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				seq1, err := s.Append(ctx, newEvent(t, "1", 1))
				require.NoError(t, err)
				seq2, err := s.Append(ctx, newEvent(t, "2", 2))
				require.NoError(t, err)
				assert.Greater(t, seq2, seq1)

				last, err := s.LastSequence(ctx)
				require.NoError(t, err)
				assert.Equal(t, seq2, last)
			})

			t.Run("tailing reader sees concurrent appends", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				const writers, perWriter = 8, 25
				var wg sync.WaitGroup
				for w := range writers {
					wg.Add(1)
					go func() {
						defer wg.Done()
						for i := range perWriter {
							_, err := s.Append(ctx, newEvent(t, fmt.Sprint(w), int64(i)))
							assert.NoError(t, err)
						}
					}()
				}
				done := make(chan struct{})
				go func() { wg.Wait(); close(done) }()

				seen := map[string]bool{}
				var from uint64
				tail := func() {
					for rec, err := range s.ReadAll(ctx, from) {
						require.NoError(t, err)
						assert.False(t, seen[rec.ID], "record %d read twice", rec.Sequence)
						seen[rec.ID] = true
						from = rec.Sequence + 1
					}
				}
				for running := true; running; {
					select {
					case <-done:
						running = false
					default:
						tail()
					}
				}
				tail()
				assert.Len(t, seen, writers*perWriter)
			})

			t.Run("append is idempotent on event id", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				evt := newEvent(t, "1", 7)
				seq1, err := s.Append(ctx, evt)
				require.NoError(t, err)
				seq2, err := s.Append(ctx, evt)
				require.NoError(t, err)
				assert.Equal(t, seq1, seq2)

				all, err := store.Collect(s.ReadAll(ctx, 0))
				require.NoError(t, err)
				assert.Len(t, all, 1)
			})

			t.Run("get round trips the envelope", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				evt := newEvent(t, "42", 9)
				_, err := s.Append(ctx, evt)
				require.NoError(t, err)

				rec, err := s.Get(ctx, evt.ID)
				require.NoError(t, err)
				assert.Equal(t, evt.Type, rec.Type)
				assert.Equal(t, "policy", rec.AggregateType)
				assert.Equal(t, "42", rec.AggregateID)
				assert.Equal(t, evt.Metadata, rec.Metadata)
				assert.WithinDuration(t, evt.OccurredAt, rec.OccurredAt, time.Microsecond)
				assert.True(t, rec.PublishedAt.IsZero())

				payload, err := event.Decode[policyCreated](rec.Event)
				require.NoError(t, err)
				assert.Equal(t, int64(9), payload.QuoteID)

				_, err = s.Get(ctx, "missing")
				assert.ErrorIs(t, err, store.ErrNotFound)
			})

			t.Run("read yields one aggregate in order and restarts", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				var want []string
				for i := range 5 {
					evt := newEvent(t, "agg-a", int64(i))
					want = append(want, evt.ID)
					_, err := s.Append(ctx, evt)
					require.NoError(t, err)
					_, err = s.Append(ctx, newEvent(t, "agg-b", int64(i)))
					require.NoError(t, err)
				}

				seq := s.Read(ctx, "agg-a", 0)
				for range 2 {
					recs, err := store.Collect(seq)
					require.NoError(t, err)
					var got []string
					for _, r := range recs {
						got = append(got, r.ID)
					}
					assert.Equal(t, want, got)
				}

				recs, err := store.Collect(s.Read(ctx, "agg-a", 0))
				require.NoError(t, err)
				from := recs[2].Sequence
				tail, err := store.Collect(s.Read(ctx, "agg-a", from))
				require.NoError(t, err)
				assert.Len(t, tail, 3)
				assert.Equal(t, want[2], tail[0].ID)
			})

			t.Run("read stops early when consumer breaks", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				for i := range 3 {
					_, err := s.Append(ctx, newEvent(t, "x", int64(i)))
					require.NoError(t, err)
				}
				n := 0
				for _, err := range s.Read(ctx, "x", 0) {
					require.NoError(t, err)
					n++
					break
				}
				assert.Equal(t, 1, n)
			})

			t.Run("deliveries are recorded once per group", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				evt := newEvent(t, "1", 1)
				_, err := s.Append(ctx, evt)
				require.NoError(t, err)

				require.NoError(t, s.MarkDelivered(ctx, evt.ID, "audit"))
				require.NoError(t, s.MarkDelivered(ctx, evt.ID, "audit"))
				require.NoError(t, s.MarkDelivered(ctx, evt.ID, "policy-saga"))

				ds, err := s.Deliveries(ctx, evt.ID)
				require.NoError(t, err)
				require.Len(t, ds, 2)
				groups := []string{ds[0].Group, ds[1].Group}
				assert.ElementsMatch(t, []string{"audit", "policy-saga"}, groups)
			})

			t.Run("unpublished tracks bus broadcast", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				a := newEvent(t, "1", 1)
				b := newEvent(t, "2", 2)
				_, err := s.Append(ctx, a)
				require.NoError(t, err)
				_, err = s.Append(ctx, b)
				require.NoError(t, err)
				require.NoError(t, s.MarkPublished(ctx, a.ID))

				pending, err := s.Unpublished(ctx, time.Now().Add(time.Minute), 10)
				require.NoError(t, err)
				require.Len(t, pending, 1)
				assert.Equal(t, b.ID, pending[0].ID)

				none, err := s.Unpublished(ctx, time.Now().Add(-time.Hour), 10)
				require.NoError(t, err)
				assert.Empty(t, none)

				assert.ErrorIs(t, s.MarkPublished(ctx, "missing"), store.ErrNotFound)
			})

			t.Run("rejects invalid envelope", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				_, err := s.Append(context.Background(), event.Event{ID: "x"})
				assert.Error(t, err)
			})

			t.Run("concurrent appends", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				const n = 40
				var wg sync.WaitGroup
				errs := make(chan error, n)
				for i := range n {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						evt, err := event.New("policy", fmt.Sprintf("p-%d", i%4), policyCreated{QuoteID: int64(i)})
						if err == nil {
							_, err = s.Append(ctx, evt)
						}
						errs <- err
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					require.NoError(t, err)
				}
				last, err := s.LastSequence(ctx)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, last, uint64(n))
			})
		})
	}
}

func TestStoreClosed(t *testing.T) {
	ctx := context.Background()

	mem := store.NewMemoryStore()
	require.NoError(t, mem.Close())
	_, err := mem.Append(ctx, newEvent(t, "1", 1))
	assert.ErrorIs(t, err, store.ErrClosed)

	sqlite, err := store.OpenSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, sqlite.Close())
	require.NoError(t, sqlite.Close())
	_, err = sqlite.Get(ctx, "x")
	assert.ErrorIs(t, err, store.ErrClosed)

	_, err = store.Collect(sqlite.ReadAll(ctx, 0))
	assert.ErrorIs(t, err, store.ErrClosed)
}

func TestSQLiteStorePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	s1, err := store.OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	evt := newEvent(t, "9", 9)
	seq, err := s1.Append(ctx, evt)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := store.OpenSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.Get(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, seq, rec.Sequence)
}

func TestSQLiteStoreInvalidPath(t *testing.T) {
	_, err := store.OpenSQLiteStore(context.Background(), "/nonexistent/path/events.db")
	assert.Error(t, err)
}
