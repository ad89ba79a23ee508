package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
)

// RedisConfig holds connection settings for Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisBus implements Bus on Redis Streams.
type RedisBus struct {
	client redis.UniversalClient
	maxLen int64
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithRedisMaxLen sets the approximate MAXLEN applied on every publish.
func WithRedisMaxLen(n int64) RedisOption {
	return func(b *RedisBus) {
		b.maxLen = n
	}
}

// NewRedisBus creates a bus on an existing client. The caller keeps
// ownership of the client.
func NewRedisBus(client redis.UniversalClient, opts ...RedisOption) *RedisBus {
	b := &RedisBus{client: client, maxLen: DefaultMaxLen}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements Bus with XADD and an approximate MAXLEN trim.
func (b *RedisBus) Publish(ctx context.Context, topic string, evt event.Event) (string, error) {
	values, err := encodeFields(evt)
	if err != nil {
		return "", err
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: b.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

// Subscribe implements Bus with XGROUP CREATE ... MKSTREAM.
func (b *RedisBus) Subscribe(ctx context.Context, topic, group, consumer string, opts ...SubscribeOption) (Subscription, error) {
	cfg := newSubscribeConfig(opts)
	start := "$"
	if cfg.fromBeginning {
		start = "0"
	}
	err := b.client.XGroupCreateMkStream(ctx, topic, group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %w", group, topic, err)
	}
	return &redisSubscription{
		client:      b.client,
		topic:       topic,
		group:       group,
		consumer:    consumer,
		recovering:  true,
		recoverFrom: "0",
		claimCursor: "0-0",
	}, nil
}

// Close implements Bus. The client belongs to the caller.
func (b *RedisBus) Close() error {
	return nil
}

type redisSubscription struct {
	client   redis.UniversalClient
	topic    string
	group    string
	consumer string

	mu          sync.Mutex
	recovering  bool
	recoverFrom string
	claimCursor string
}

func (s *redisSubscription) Topic() string    { return s.topic }
func (s *redisSubscription) Group() string    { return s.group }
func (s *redisSubscription) Consumer() string { return s.consumer }

// Read implements Subscription with XREADGROUP, first from ID 0 (this
// consumer's pending entries) and then from ">".
func (s *redisSubscription) Read(ctx context.Context, maxCount int, block time.Duration) ([]Message, error) {
	if maxCount <= 0 {
		maxCount = 1
	}

	s.mu.Lock()
	recovering, from := s.recovering, s.recoverFrom
	s.mu.Unlock()

	// Own pending entries are walked once, oldest first, after which only
	// ClaimStale hands them out again.
	if recovering {
		msgs, err := s.readGroup(ctx, from, maxCount, -1)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			s.mu.Lock()
			s.recoverFrom = msgs[len(msgs)-1].ID
			s.mu.Unlock()
			if err := s.fillDeliveryCounts(ctx, msgs); err != nil {
				return nil, err
			}
			return msgs, nil
		}
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}

	if block <= 0 {
		block = -1
	}
	msgs, err := s.readGroup(ctx, ">", maxCount, block)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].DeliveryCount = 1
	}
	return msgs, nil
}

func (s *redisSubscription) readGroup(ctx context.Context, id string, count int, block time.Duration) ([]Message, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.topic, id},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", s.topic, s.group, err)
	}

	var msgs []Message
	for _, stream := range res {
		for _, m := range stream.Messages {
			msgs = append(msgs, decodeMessage(s.topic, m.ID, m.Values, 0))
		}
	}
	return msgs, nil
}

// fillDeliveryCounts reads the delivery counter of every message from
// XPENDING. Each ID is looked up on its own since other pending entries
// of the consumer may sit between them.
func (s *redisSubscription) fillDeliveryCounts(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	cmds := make([]*redis.XPendingExtCmd, len(msgs))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range msgs {
			cmds[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
				Stream:   s.topic,
				Group:    s.group,
				Start:    m.ID,
				End:      m.ID,
				Count:    1,
				Consumer: s.consumer,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xpending %s/%s: %w", s.topic, s.group, err)
	}

	for i, cmd := range cmds {
		var count int64
		if pending := cmd.Val(); len(pending) == 1 {
			count = pending[0].RetryCount
		}
		msgs[i].DeliveryCount = max(count, 1)
	}
	return nil
}

// Ack implements Subscription with XACK.
func (s *redisSubscription) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.topic, s.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", s.topic, s.group, err)
	}
	return nil
}

// ClaimStale implements Subscription with XAUTOCLAIM. The scan cursor is
// kept between calls so a long pending list is walked in slices.
func (s *redisSubscription) ClaimStale(ctx context.Context, minIdle time.Duration, count int) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	s.mu.Lock()
	start := s.claimCursor
	s.mu.Unlock()

	claimed, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.topic,
		Group:    s.group,
		MinIdle:  minIdle,
		Start:    start,
		Count:    int64(count),
		Consumer: s.consumer,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim %s/%s: %w", s.topic, s.group, err)
	}
	if next == "" {
		next = "0-0"
	}
	s.mu.Lock()
	s.claimCursor = next
	s.mu.Unlock()

	msgs := make([]Message, 0, len(claimed))
	for _, m := range claimed {
		msgs = append(msgs, decodeMessage(s.topic, m.ID, m.Values, 0))
	}
	if err := s.fillDeliveryCounts(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Lag implements Subscription from XINFO GROUPS.
func (s *redisSubscription) Lag(ctx context.Context) (int64, error) {
	groups, err := s.client.XInfoGroups(ctx, s.topic).Result()
	if err != nil {
		return 0, fmt.Errorf("xinfo groups %s: %w", s.topic, err)
	}
	for _, g := range groups {
		if g.Name == s.group {
			return g.Lag, nil
		}
	}
	return 0, fmt.Errorf("group %s not found on %s", s.group, s.topic)
}

// Pending implements Subscription from the XPENDING summary.
func (s *redisSubscription) Pending(ctx context.Context) (int64, error) {
	res, err := s.client.XPending(ctx, s.topic, s.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s/%s: %w", s.topic, s.group, err)
	}
	return res.Count, nil
}

var _ Bus = (*RedisBus)(nil)
