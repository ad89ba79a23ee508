package guard_test

import (
	"context"
	"flag"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/guard"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/sqlitedb"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/stream"
)

var integration = flag.Bool("integration", false, "perform integration tests against REDIS_ADDR")

func guards(t *testing.T) map[string]guard.Guard {
	db, err := sqlitedb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqliteGuard, err := guard.NewSQLiteGuard(context.Background(), db)
	require.NoError(t, err)

	out := map[string]guard.Guard{
		"memory": guard.NewMemoryGuard(),
		"sqlite": sqliteGuard,
	}
	if addr := os.Getenv("REDIS_ADDR"); *integration && addr != "" {
		client, err := stream.NewRedisClient(context.Background(), stream.RedisConfig{Addr: addr})
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })
		out["redis"] = guard.NewRedisGuard(client, "test:"+uuid.NewString(), time.Minute)
	}
	return out
}

func TestGuardContract(t *testing.T) {
	for name, g := range guards(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			applied, err := g.Applied(ctx, "policy-creation", "quote:7")
			require.NoError(t, err)
			assert.False(t, applied)

			first, err := g.MarkApplied(ctx, "policy-creation", "quote:7")
			require.NoError(t, err)
			assert.True(t, first)

			second, err := g.MarkApplied(ctx, "policy-creation", "quote:7")
			require.NoError(t, err)
			assert.False(t, second, "second mark reports duplicate")

			applied, err = g.Applied(ctx, "policy-creation", "quote:7")
			require.NoError(t, err)
			assert.True(t, applied)

			other, err := g.Applied(ctx, "notification", "quote:7")
			require.NoError(t, err)
			assert.False(t, other, "records are scoped per handler")
		})
	}
}

func TestGuardConcurrentMark(t *testing.T) {
	for name, g := range guards(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wins atomic.Int32
			var wg sync.WaitGroup
			for range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := g.MarkApplied(ctx, "commission", "policy:1")
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load(), "exactly one marker wins")
		})
	}
}

func TestMemoryGuardClosed(t *testing.T) {
	g := guard.NewMemoryGuard()
	_, err := g.MarkApplied(context.Background(), "h", "k")
	require.NoError(t, err)
	assert.Equal(t, 1, g.Len())

	require.NoError(t, g.Close())
	_, err = g.Applied(context.Background(), "h", "k")
	assert.ErrorIs(t, err, guard.ErrClosed)
}

func TestNopGuard(t *testing.T) {
	var g guard.Nop
	ok, err := g.MarkApplied(context.Background(), "h", "k")
	require.NoError(t, err)
	assert.True(t, ok)
	applied, _ := g.Applied(context.Background(), "h", "k")
	assert.False(t, applied)
}
