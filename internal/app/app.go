// Package app assembles the event backbone and the CRM saga into one
// runnable unit: publisher, outbox relay, one dispatcher and worker pool
// per consumer group, and the dead-letter replayer.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Narjhan-ng/insurance-crm/internal/crm"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/deadletter"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/dispatch"
	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/event"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/guard"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/observability"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/publisher"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/store"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/stream"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/worker"
)

// Options tune the runtime. Zero values select the package defaults of
// the component they configure.
type Options struct {
	// Consumer names this process within every group.
	Consumer string

	Topics         stream.Topics
	Retry          bberrors.RetryConfig
	Budget         bberrors.Budget
	HandlerTimeout time.Duration

	Lanes         int
	BatchSize     int
	Block         time.Duration
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	LagInterval   time.Duration
	DrainTimeout  time.Duration

	// FromBeginning makes new groups read topics from their start.
	FromBeginning bool

	Relay publisher.RelayConfig

	// OnTransition observes message state changes of every pool.
	OnTransition func(worker.Transition)
}

// Config wires an App.
type Config struct {
	// Events is the event log. Required.
	Events store.Store

	// Bus is the broadcast log. Required.
	Bus stream.Bus

	// DeadLetters receives failures that exhausted their budget. Required.
	DeadLetters deadletter.Queue

	// Guard records applied effects. Default: in-memory.
	Guard guard.Guard

	// CRM holds the business collaborators of the saga handlers.
	CRM crm.Deps

	Options Options

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// App is the assembled backbone.
type App struct {
	Schemas   *event.Schemas
	Publisher *publisher.Publisher
	Relay     *publisher.Relay
	Actions   *crm.Actions
	Replayer  *deadletter.Replayer

	dispatchers map[string]*dispatch.Dispatcher
	pools       []*worker.Pool
	logger      *slog.Logger
}

// New builds every component. Nothing runs until Run.
func New(cfg Config) (*App, error) {
	if cfg.Events == nil || cfg.Bus == nil || cfg.DeadLetters == nil {
		return nil, errors.New("app: event store, bus and dead-letter queue are required")
	}
	if cfg.CRM.Store == nil {
		return nil, errors.New("app: crm store is required")
	}
	if cfg.Guard == nil {
		cfg.Guard = guard.NewMemoryGuard()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.CRM.Logger == nil {
		cfg.CRM.Logger = cfg.Logger
	}
	opts := cfg.Options
	if err := opts.Topics.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		Schemas:     crm.Schemas(),
		dispatchers: make(map[string]*dispatch.Dispatcher),
		logger:      cfg.Logger,
	}

	pub, err := publisher.New(publisher.Config{
		Store:   cfg.Events,
		Bus:     cfg.Bus,
		Schemas: a.Schemas,
		Topics:  opts.Topics,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
		Spans:   cfg.Spans,
	})
	if err != nil {
		return nil, err
	}
	a.Publisher = pub
	a.Relay = publisher.NewRelay(pub, opts.Relay)
	a.Actions = crm.NewActions(pub, cfg.CRM.Store, cfg.CRM.Now)

	targets := make(map[string]deadletter.Target)
	for _, g := range crm.Groups(cfg.CRM) {
		registry, err := dispatch.NewRegistry(g.Registrations...)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.Name, err)
		}
		d, err := dispatch.New(dispatch.Config{
			Group:       g.Name,
			Registry:    registry,
			Schemas:     a.Schemas,
			Guard:       cfg.Guard,
			DeadLetters: cfg.DeadLetters,
			Emitter:     pub,
			Retry:       opts.Retry,
			Timeout:     opts.HandlerTimeout,
			Middleware:  []dispatch.Middleware{dispatch.CorrelationMiddleware()},
			Logger:      cfg.Logger,
			Metrics:     cfg.Metrics,
			Spans:       cfg.Spans,
		})
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.Name, err)
		}

		pool, err := worker.New(worker.Config{
			Group:         g.Name,
			Consumer:      opts.Consumer,
			Topics:        opts.Topics.All(g.Categories),
			Bus:           cfg.Bus,
			Dispatcher:    d,
			DeadLetters:   cfg.DeadLetters,
			Store:         cfg.Events,
			Budget:        opts.Budget,
			Lanes:         opts.Lanes,
			BatchSize:     opts.BatchSize,
			Block:         opts.Block,
			ClaimInterval: opts.ClaimInterval,
			ClaimMinIdle:  opts.ClaimMinIdle,
			LagInterval:   opts.LagInterval,
			DrainTimeout:  opts.DrainTimeout,
			FromBeginning: opts.FromBeginning,
			Logger:        cfg.Logger,
			Metrics:       cfg.Metrics,
			OnTransition:  opts.OnTransition,
		})
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.Name, err)
		}

		a.dispatchers[g.Name] = d
		a.pools = append(a.pools, pool)
		targets[g.Name] = d
	}
	a.Replayer = deadletter.NewReplayer(cfg.DeadLetters, targets, cfg.Logger)
	return a, nil
}

// Dispatcher returns the dispatcher of a consumer group.
func (a *App) Dispatcher(group string) (*dispatch.Dispatcher, bool) {
	d, ok := a.dispatchers[group]
	return d, ok
}

// Pools returns the worker pools, one per consumer group.
func (a *App) Pools() []*worker.Pool {
	return a.pools
}

// Lag reports the backlog of every group on every topic it reads.
func (a *App) Lag(ctx context.Context) ([]worker.GroupLag, error) {
	var out []worker.GroupLag
	for _, p := range a.pools {
		lag, err := p.Lag(ctx)
		if err != nil {
			return nil, fmt.Errorf("lag of %s: %w", p.Group(), err)
		}
		out = append(out, lag...)
	}
	return out, nil
}

// Run consumes every group and relays unpublished events until ctx ends.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range a.pools {
		g.Go(func() error {
			if err := p.Run(gctx); err != nil {
				return fmt.Errorf("group %s: %w", p.Group(), err)
			}
			return nil
		})
	}
	g.Go(func() error { return a.Relay.Run(gctx) })

	a.logger.Info("backbone running", slog.Int("groups", len(a.pools)))
	return g.Wait()
}
