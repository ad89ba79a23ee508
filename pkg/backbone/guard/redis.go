package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL bounds how long a Redis idempotency record is kept. It
// must exceed the longest retry budget.
const DefaultRedisTTL = 7 * 24 * time.Hour

// RedisGuard keeps idempotency records as Redis keys written with SETNX.
type RedisGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a guard storing keys under prefix.
func NewRedisGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisGuard {
	if prefix == "" {
		prefix = "insurance:idempotency"
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

// Applied implements Guard.
func (g *RedisGuard) Applied(ctx context.Context, handler, key string) (bool, error) {
	n, err := g.client.Exists(ctx, g.key(handler, key)).Result()
	if err != nil {
		return false, fmt.Errorf("check %s/%s: %w", handler, key, err)
	}
	return n > 0, nil
}

// MarkApplied implements Guard.
func (g *RedisGuard) MarkApplied(ctx context.Context, handler, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.key(handler, key), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s/%s: %w", handler, key, err)
	}
	return ok, nil
}

func (g *RedisGuard) key(handler, key string) string {
	return g.prefix + ":" + handler + ":" + key
}

var _ Guard = (*RedisGuard)(nil)
