// Package worker consumes stream topics for one consumer group and drives
// every message to a terminal state.
//
// A Pool reads its topics, routes each message to a lane chosen by the
// event's aggregate ID and dispatches it there. Messages of one aggregate
// therefore run one at a time, in stream order, while different
// aggregates proceed in parallel. A message is acknowledged only after
// every handler is done or dead-lettered; anything else leaves it in the
// group's pending-entries list, from which the claim loop redelivers it
// once it has been idle long enough.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/deadletter"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/dispatch"
	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/observability"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/store"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/stream"
)

// Pool defaults.
const (
	DefaultLanes         = 4
	DefaultBatchSize     = 16
	DefaultBlock         = 2 * time.Second
	DefaultClaimInterval = 30 * time.Second
	DefaultClaimMinIdle  = 60 * time.Second
	DefaultLagInterval   = 15 * time.Second
	DefaultDrainTimeout  = 10 * time.Second
)

// readBackoff is the pause after a failed bus read.
const readBackoff = time.Second

// Dispatcher runs the handlers of one consumer group.
type Dispatcher interface {
	Group() string
	Dispatch(ctx context.Context, evt event.Event) dispatch.Report
}

// Config configures a Pool.
type Config struct {
	// Group is the consumer group. Defaults to the dispatcher's group.
	Group string

	// Consumer names this process within the group.
	// Default: hostname plus a random suffix
	Consumer string

	// Topics are the streams to consume. Required. Aggregate holds are
	// local to the pool, so within a group each stream must be consumed by
	// one process; partition with stream.Topics.Owned to scale out.
	Topics []string

	// Bus is the stream bus. Required.
	Bus stream.Bus

	// Dispatcher runs the handlers. Required.
	Dispatcher Dispatcher

	// DeadLetters receives failures that will not be retried. Required.
	DeadLetters deadletter.Queue

	// Store records per-group delivery checkpoints. Optional.
	Store store.Store

	// Budget bounds redeliveries of a transiently failing message.
	// Default: errors.DefaultBudget
	Budget bberrors.Budget

	// Lanes is the number of messages processed at once.
	// Default: 4
	Lanes int

	// BatchSize caps the messages fetched per read or claim.
	// Default: 16
	BatchSize int

	// Block is how long a read waits for new messages.
	// Default: 2 seconds
	Block time.Duration

	// ClaimInterval is how often stale pending messages are claimed.
	// Default: 30 seconds
	ClaimInterval time.Duration

	// ClaimMinIdle is how long a message must be pending before it is
	// claimed. It is also the delay before a failed message is retried.
	// Default: 60 seconds
	ClaimMinIdle time.Duration

	// LagInterval is how often group lag is recorded.
	// Default: 15 seconds
	LagInterval time.Duration

	// DrainTimeout bounds how long in-flight messages may run after Run's
	// context ends.
	// Default: 10 seconds
	DrainTimeout time.Duration

	// FromBeginning starts newly created groups at the first entry.
	FromBeginning bool

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder

	// OnTransition is called on every state change of a message.
	OnTransition func(Transition)

	// Clock replaces time.Now.
	Clock func() time.Time
}

// GroupLag describes the backlog of one topic for the pool's group.
type GroupLag struct {
	Topic   string `json:"topic"`
	Group   string `json:"group"`
	Lag     int64  `json:"lag"`
	Pending int64  `json:"pending"`
}

type delivery struct {
	sub stream.Subscription
	msg stream.Message
}

// Pool consumes topics for one consumer group.
type Pool struct {
	cfg   Config
	holds *holds

	mu        sync.Mutex
	subs      []stream.Subscription
	deferrals map[string]int64
	running   bool
}

// New creates a pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Bus == nil {
		return nil, errors.New("worker: bus is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("worker: dispatcher is required")
	}
	if cfg.DeadLetters == nil {
		return nil, errors.New("worker: dead-letter queue is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("worker: at least one topic is required")
	}
	if cfg.Group == "" {
		cfg.Group = cfg.Dispatcher.Group()
	}
	if cfg.Group == "" {
		return nil, errors.New("worker: group is required")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = DefaultConsumer()
	}
	if cfg.Budget == (bberrors.Budget{}) {
		cfg.Budget = bberrors.DefaultBudget
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = DefaultLanes
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = DefaultClaimInterval
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = DefaultClaimMinIdle
	}
	if cfg.LagInterval <= 0 {
		cfg.LagInterval = DefaultLagInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	cfg.Logger = cfg.Logger.With(slog.String("group", cfg.Group), slog.String("consumer", cfg.Consumer))

	// A hold outlives two claim rounds so the failed message comes back
	// before later messages of its aggregate are let through.
	ttl := 2*cfg.ClaimMinIdle + cfg.ClaimInterval
	return &Pool{
		cfg:       cfg,
		holds:     newHolds(ttl, cfg.Clock),
		deferrals: make(map[string]int64),
	}, nil
}

// DefaultConsumer returns a consumer name unique to this process.
func DefaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Group returns the consumer group.
func (p *Pool) Group() string { return p.cfg.Group }

// Consumer returns the consumer name.
func (p *Pool) Consumer() string { return p.cfg.Consumer }

// Topics returns the streams the pool consumes.
func (p *Pool) Topics() []string { return p.cfg.Topics }

// Run subscribes to the topics and consumes them until ctx ends. Messages
// already handed to a lane get DrainTimeout to finish; the rest stay
// pending for the next start or another consumer.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("worker: pool already running")
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.subs = nil
		p.mu.Unlock()
	}()

	var opts []stream.SubscribeOption
	if p.cfg.FromBeginning {
		opts = append(opts, stream.FromBeginning())
	}
	subs := make([]stream.Subscription, 0, len(p.cfg.Topics))
	for _, topic := range p.cfg.Topics {
		sub, err := p.cfg.Bus.Subscribe(ctx, topic, p.cfg.Group, p.cfg.Consumer, opts...)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}
	p.mu.Lock()
	p.subs = subs
	p.mu.Unlock()

	p.cfg.Logger.Info("worker pool started",
		slog.Int("topics", len(subs)),
		slog.Int("lanes", p.cfg.Lanes),
	)

	g, gctx := errgroup.WithContext(ctx)

	// Processing outlives gctx by up to DrainTimeout.
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()
	stopDrain := context.AfterFunc(gctx, func() {
		time.AfterFunc(p.cfg.DrainTimeout, cancelProc)
	})
	defer stopDrain()

	lanes := make([]chan delivery, p.cfg.Lanes)
	var laneWG sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan delivery, p.cfg.BatchSize)
		laneWG.Add(1)
		go func(in <-chan delivery) {
			defer laneWG.Done()
			for d := range in {
				if gctx.Err() != nil {
					continue
				}
				p.process(procCtx, d)
			}
		}(lanes[i])
	}

	for _, sub := range subs {
		g.Go(func() error { return p.readLoop(gctx, sub, lanes) })
		g.Go(func() error { return p.claimLoop(gctx, sub, lanes) })
	}
	g.Go(func() error { return p.lagLoop(gctx) })

	err := g.Wait()
	for _, lane := range lanes {
		close(lane)
	}
	laneWG.Wait()

	p.cfg.Logger.Info("worker pool stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Pool) readLoop(ctx context.Context, sub stream.Subscription, lanes []chan delivery) error {
	for ctx.Err() == nil {
		msgs, err := sub.Read(ctx, p.cfg.BatchSize, p.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, stream.ErrClosed) {
				return err
			}
			p.cfg.Logger.Warn("stream read failed",
				slog.String("topic", sub.Topic()),
				slog.String("error", err.Error()),
			)
			if !sleep(ctx, readBackoff) {
				return nil
			}
			continue
		}
		for _, msg := range msgs {
			if !p.route(ctx, sub, msg, lanes) {
				return nil
			}
		}
	}
	return nil
}

func (p *Pool) claimLoop(ctx context.Context, sub stream.Subscription, lanes []chan delivery) error {
	ticker := time.NewTicker(p.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		if err := p.claim(ctx, sub, lanes); err != nil {
			if errors.Is(err, stream.ErrClosed) {
				return err
			}
			if ctx.Err() == nil {
				p.cfg.Logger.Warn("claim stale messages failed",
					slog.String("topic", sub.Topic()),
					slog.String("error", err.Error()),
				)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pool) claim(ctx context.Context, sub stream.Subscription, lanes []chan delivery) error {
	p.holds.sweep()
	msgs, err := sub.ClaimStale(ctx, p.cfg.ClaimMinIdle, p.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		p.cfg.Logger.Info("claimed stale messages",
			slog.String("topic", sub.Topic()),
			slog.Int("count", len(msgs)),
		)
	}
	for _, msg := range msgs {
		if !p.route(ctx, sub, msg, lanes) {
			return nil
		}
	}
	return nil
}

func (p *Pool) lagLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.LagInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			lags, err := p.Lag(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.cfg.Logger.Warn("lag check failed", slog.String("error", err.Error()))
				}
				continue
			}
			for _, l := range lags {
				p.cfg.Metrics.RecordLag(ctx, l.Topic, l.Group, l.Lag)
			}
		}
	}
}

// Lag reports the backlog of every topic while the pool runs.
func (p *Pool) Lag(ctx context.Context) ([]GroupLag, error) {
	p.mu.Lock()
	subs := append([]stream.Subscription(nil), p.subs...)
	p.mu.Unlock()

	out := make([]GroupLag, 0, len(subs))
	for _, sub := range subs {
		lag, err := sub.Lag(ctx)
		if err != nil {
			return nil, fmt.Errorf("lag of %s: %w", sub.Topic(), err)
		}
		pending, err := sub.Pending(ctx)
		if err != nil {
			return nil, fmt.Errorf("pending of %s: %w", sub.Topic(), err)
		}
		out = append(out, GroupLag{Topic: sub.Topic(), Group: p.cfg.Group, Lag: lag, Pending: pending})
	}
	return out, nil
}

// route hands msg to the lane of its aggregate. It returns false when ctx
// ended first.
func (p *Pool) route(ctx context.Context, sub stream.Subscription, msg stream.Message, lanes []chan delivery) bool {
	p.transition(ctx, sub, msg, StateDelivered)
	lane := lanes[stream.Partition(orderingKey(msg), len(lanes))]
	select {
	case lane <- delivery{sub: sub, msg: msg}:
		return true
	case <-ctx.Done():
		return false
	}
}

// orderingKey is the unit of ordering: the aggregate, or the message
// itself when it could not be decoded.
func orderingKey(msg stream.Message) string {
	if msg.DecodeErr != nil || msg.Event.AggregateID == "" {
		return "message:" + msg.ID
	}
	return msg.Event.AggregateType + ":" + msg.Event.AggregateID
}

// process drives one message to a terminal state or leaves it pending.
func (p *Pool) process(ctx context.Context, d delivery) {
	msg := d.msg
	if msg.DecodeErr != nil {
		p.quarantine(ctx, d)
		return
	}

	key := orderingKey(msg)
	if blocker, ok := p.holds.blockedBy(key, msg.ID); ok {
		p.mu.Lock()
		p.deferrals[msg.ID]++
		p.mu.Unlock()
		p.cfg.Logger.Debug("message deferred behind pending retry",
			slog.String("message_id", msg.ID),
			slog.String("blocked_by", blocker),
		)
		p.transition(ctx, d.sub, msg, StatePendingRetry)
		return
	}

	p.transition(ctx, d.sub, msg, StateProcessing)
	report := p.cfg.Dispatcher.Dispatch(ctx, msg.Event)

	if ctx.Err() != nil {
		// Interrupted by shutdown; the message stays pending as is.
		return
	}

	now := p.cfg.Clock()
	deliveries := p.effectiveDeliveries(msg)
	retry, deadLettered := false, false
	for _, out := range report.Failed() {
		switch out.Status {
		case dispatch.StatusInterrupted:
			retry = true
			continue
		case dispatch.StatusTransient:
			if !p.cfg.Budget.Exhausted(deliveries, msg.Event.OccurredAt, now) {
				retry = true
				continue
			}
			out.Err = &bberrors.BudgetExhaustedError{
				Attempts: attemptCount(out, deliveries),
				Elapsed:  now.Sub(msg.Event.OccurredAt),
				Err:      out.Err,
			}
		}
		if err := p.deadLetter(ctx, msg, out, deliveries, now); err != nil {
			p.cfg.Logger.Error("dead-letter write failed",
				slog.String("message_id", msg.ID),
				slog.String("handler", out.Handler),
				slog.String("error", err.Error()),
			)
			retry = true
			continue
		}
		deadLettered = true
	}

	if retry {
		p.holds.hold(key, msg.ID)
		p.transition(ctx, d.sub, msg, StatePendingRetry)
		return
	}

	if !p.ack(ctx, d) {
		return
	}
	p.holds.release(key, msg.ID)
	if p.cfg.Store != nil {
		if err := p.cfg.Store.MarkDelivered(ctx, msg.Event.ID, p.cfg.Group); err != nil {
			p.cfg.Logger.Warn("delivery checkpoint not recorded",
				slog.String("event_id", msg.Event.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if deadLettered {
		p.transition(ctx, d.sub, msg, StateDeadLettered)
		return
	}
	p.transition(ctx, d.sub, msg, StateAcknowledged)
}

// quarantine dead-letters a message that could not be decoded and
// acknowledges it.
func (p *Pool) quarantine(ctx context.Context, d delivery) {
	msg := d.msg
	decodeErr := &bberrors.DecodeError{EventType: "envelope", Err: msg.DecodeErr}
	rec := deadletter.Record{
		Group:         p.cfg.Group,
		Event:         event.Event{ID: msg.EventID},
		MessageID:     msg.ID,
		ErrorMessage:  decodeErr.Error(),
		ErrorCategory: bberrors.CategoryPermanent.String(),
		AttemptCount:  int(msg.DeliveryCount),
		FailedAt:      p.cfg.Clock(),
	}
	if _, err := p.cfg.DeadLetters.Enqueue(ctx, rec); err != nil {
		p.cfg.Logger.Error("dead-letter write failed",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		p.transition(ctx, d.sub, msg, StatePendingRetry)
		return
	}
	p.cfg.Metrics.RecordDeadLetter(ctx, p.cfg.Group, "", "")
	observability.LogDeadLetter(p.cfg.Logger, msg.ID, rec.AttemptCount, rec.ErrorMessage)
	if p.ack(ctx, d) {
		p.transition(ctx, d.sub, msg, StateDeadLettered)
	}
}

func (p *Pool) deadLetter(ctx context.Context, msg stream.Message, out dispatch.Outcome, deliveries int64, now time.Time) error {
	category := bberrors.CategoryPermanent
	if out.Status == dispatch.StatusTransient {
		category = bberrors.CategoryTransient
	}
	reason := out.Status.String()
	if out.Err != nil {
		reason = out.Err.Error()
	}
	rec := deadletter.Record{
		Group:         p.cfg.Group,
		Handler:       out.Handler,
		Event:         msg.Event,
		MessageID:     msg.ID,
		ErrorMessage:  reason,
		ErrorCategory: category.String(),
		AttemptCount:  attemptCount(out, deliveries),
		FailedAt:      now,
	}
	created, err := p.cfg.DeadLetters.Enqueue(ctx, rec)
	if err != nil {
		return err
	}
	if created {
		p.cfg.Metrics.RecordDeadLetter(ctx, p.cfg.Group, out.Handler, msg.Event.Type)
		observability.LogDeadLetter(
			observability.EnrichLogger(p.cfg.Logger, "", out.Handler, msg.Event),
			msg.ID, rec.AttemptCount, reason,
		)
	}
	return nil
}

// attemptCount is the attempts of the final delivery plus one per earlier
// delivery.
func attemptCount(out dispatch.Outcome, deliveries int64) int {
	attempts := out.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if deliveries > 1 {
		attempts += int(deliveries - 1)
	}
	return attempts
}

// effectiveDeliveries is the delivery count minus the deliveries spent
// waiting behind another message of the same aggregate.
func (p *Pool) effectiveDeliveries(msg stream.Message) int64 {
	p.mu.Lock()
	deferred := p.deferrals[msg.ID]
	p.mu.Unlock()

	n := msg.DeliveryCount - deferred
	if n < 1 {
		n = 1
	}
	return n
}

func (p *Pool) ack(ctx context.Context, d delivery) bool {
	if err := d.sub.Ack(ctx, d.msg.ID); err != nil {
		// Handlers are idempotent, so the redelivery that follows is harmless.
		p.cfg.Logger.Warn("ack failed",
			slog.String("message_id", d.msg.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	p.mu.Lock()
	delete(p.deferrals, d.msg.ID)
	p.mu.Unlock()
	return true
}

func (p *Pool) transition(ctx context.Context, sub stream.Subscription, msg stream.Message, state State) {
	p.cfg.Metrics.RecordTransition(ctx, p.cfg.Group, state.String())
	observability.LogTransition(p.cfg.Logger, msg.ID, msg.EventID, state.String())
	if p.cfg.OnTransition != nil {
		p.cfg.OnTransition(Transition{
			Group:         p.cfg.Group,
			Consumer:      p.cfg.Consumer,
			Topic:         sub.Topic(),
			MessageID:     msg.ID,
			EventID:       msg.EventID,
			State:         state,
			DeliveryCount: msg.DeliveryCount,
			At:            p.cfg.Clock(),
		})
	}
}

// sleep waits d or until ctx ends, reporting whether the full wait passed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
