package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Narjhan-ng/insurance-crm/internal/app"
	"github.com/Narjhan-ng/insurance-crm/internal/crm"
	"github.com/Narjhan-ng/insurance-crm/internal/document"
	"github.com/Narjhan-ng/insurance-crm/internal/forward"
	"github.com/Narjhan-ng/insurance-crm/internal/notify"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/config"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/deadletter"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/dispatch"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/guard"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/observability"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/publisher"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/sqlitedb"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/store"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/stream"
)

// components are the infrastructure the app runs on, chosen by settings.
type components struct {
	events      store.Store
	bus         stream.Bus
	deadLetters deadletter.Queue
	guard       guard.Guard
	crmStore    crm.Store
	documents   document.Storage
	sinks       []dispatch.Handler
	registry    *prometheus.Registry
	metrics     observability.MetricsRecorder

	closers []func() error
}

func (c *components) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// close releases components in reverse order of creation.
func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			slog.Warn("close component", slog.String("error", err.Error()))
		}
	}
}

// wire builds the components. On failure everything opened so far is
// closed and no components are returned.
func wire(ctx context.Context, s config.Settings, logger *slog.Logger) (*components, error) {
	c := &components{}
	if err := c.build(ctx, s, logger); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *components) build(ctx context.Context, s config.Settings, logger *slog.Logger) error {
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.metrics = observability.Multi{
		observability.NewPrometheusMetrics(c.registry),
		observability.NewMetricsRecorder(),
	}

	if err := c.wireStores(ctx, s); err != nil {
		return err
	}
	if err := c.wireBus(ctx, s); err != nil {
		return err
	}
	if err := c.wireDocuments(ctx, s, logger); err != nil {
		return err
	}
	return c.wireForwarder(s)
}

// wireStores opens the event log and the business state. SQLite holds the
// business state, idempotency records and dead letters for both the
// sqlite and postgres drivers; postgres only moves the event log.
func (c *components) wireStores(ctx context.Context, s config.Settings) error {
	if s.Store.Driver == config.DriverMemory {
		c.events = store.NewMemoryStore()
		c.deadLetters = deadletter.NewMemoryQueue()
		c.guard = guard.NewMemoryGuard()
		c.crmStore = crm.NewMemoryStore()
		return nil
	}

	db, err := sqlitedb.Open(s.Store.Path)
	if err != nil {
		return err
	}
	c.onClose(db.Close)

	if err := c.wireSQLite(ctx, db); err != nil {
		return err
	}

	switch s.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, s.Store.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		c.onClose(func() error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		events, err := store.NewPostgresStore(ctx, pool)
		if err != nil {
			return err
		}
		c.events = events
	default:
		events, err := store.NewSQLiteStore(ctx, db)
		if err != nil {
			return err
		}
		c.events = events
	}
	c.onClose(c.events.Close)
	return nil
}

func (c *components) wireSQLite(ctx context.Context, db *sql.DB) error {
	dlq, err := deadletter.NewSQLiteQueue(ctx, db)
	if err != nil {
		return err
	}
	c.deadLetters = dlq

	g, err := guard.NewSQLiteGuard(ctx, db)
	if err != nil {
		return err
	}
	c.guard = g

	crmStore, err := crm.NewSQLiteStore(ctx, db)
	if err != nil {
		return err
	}
	c.crmStore = crmStore
	return nil
}

// wireBus selects Redis Streams when an address is configured. The
// idempotency guard then moves to Redis too, so that every worker process
// shares it.
func (c *components) wireBus(ctx context.Context, s config.Settings) error {
	if s.Redis.Addr == "" {
		c.bus = stream.NewMemoryBus()
		return nil
	}
	client, err := stream.NewRedisClient(ctx, s.RedisConfig())
	if err != nil {
		return err
	}
	c.onClose(client.Close)
	c.bus = stream.NewRedisBus(client, stream.WithRedisMaxLen(s.Stream.MaxLen))
	c.guard = guard.NewRedisGuard(client, "", 0)
	return nil
}

func (c *components) wireDocuments(ctx context.Context, s config.Settings, logger *slog.Logger) error {
	if s.S3.Bucket == "" {
		c.documents = document.NewMemoryStorage()
		return nil
	}
	docs, err := document.NewS3Storage(ctx, document.S3Config{
		Endpoint:  s.S3.Endpoint,
		Region:    s.S3.Region,
		AccessKey: s.S3.AccessKey,
		SecretKey: s.S3.SecretKey,
		Bucket:    s.S3.Bucket,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	c.documents = docs
	return nil
}

func (c *components) wireForwarder(s config.Settings) error {
	if len(s.Kafka.Brokers) == 0 {
		return nil
	}
	w, err := forward.NewWriter(forward.Config{Brokers: s.Kafka.Brokers, Topic: s.Kafka.Topic})
	if err != nil {
		return err
	}
	f := forward.New(w)
	c.onClose(f.Close)
	c.sinks = append(c.sinks, f)
	return nil
}

func (c *components) appConfig(s config.Settings, logger *slog.Logger) app.Config {
	return app.Config{
		Events:      c.events,
		Bus:         c.bus,
		DeadLetters: c.deadLetters,
		Guard:       c.guard,
		CRM: crm.Deps{
			Store:     c.crmStore,
			Documents: c.documents,
			Renderer:  document.NewRenderer(),
			Notifier:  notify.LogNotifier{Logger: logger},
			Templates: crm.DefaultTemplates(),
			Rates: crm.Rates{
				Broker:    s.Commission.BrokerBPS,
				Manager:   s.Commission.ManagerBPS,
				Affiliate: s.Commission.AffiliateBPS,
			},
			AuditSinks: c.sinks,
			Now:        time.Now,
			Logger:     logger,
		},
		Options: app.Options{
			Consumer:       s.Worker.Consumer,
			Topics:         s.Topics(),
			Retry:          s.RetryConfig(),
			Budget:         s.Budget(),
			HandlerTimeout: s.Worker.HandlerTimeout,
			Lanes:          s.Worker.Lanes,
			BatchSize:      s.Worker.BatchSize,
			Block:          s.Worker.Block,
			ClaimInterval:  s.Worker.ClaimInterval,
			ClaimMinIdle:   s.Worker.ClaimMinIdle,
			LagInterval:    s.Worker.LagInterval,
			DrainTimeout:   s.Worker.DrainTimeout,
			Relay: publisher.RelayConfig{
				Interval:  s.Relay.Interval,
				Grace:     s.Relay.Grace,
				BatchSize: s.Relay.BatchSize,
			},
		},
		Logger:  logger,
		Metrics: c.metrics,
		Spans:   observability.NewSpanManager(),
	}
}
