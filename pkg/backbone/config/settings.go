package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/stream"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CRM_"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type (
	// Settings configures a worker process.
	Settings struct {
		ServiceName string `env:"SERVICE_NAME"`
		LogLevel    string `env:"LOG_LEVEL"`

		Store      StoreSettings      `envPrefix:"STORE_"`
		Redis      RedisSettings      `envPrefix:"REDIS_"`
		Stream     StreamSettings     `envPrefix:"STREAM_"`
		Worker     WorkerSettings     `envPrefix:"WORKER_"`
		Retry      RetrySettings      `envPrefix:"RETRY_"`
		Relay      RelaySettings      `envPrefix:"RELAY_"`
		Ops        OpsSettings        `envPrefix:"OPS_"`
		Tracing    TracingSettings    `envPrefix:"TRACING_"`
		S3         S3Settings         `envPrefix:"S3_"`
		Kafka      KafkaSettings      `envPrefix:"KAFKA_"`
		Commission CommissionSettings `envPrefix:"COMMISSION_"`
	}

	// StoreSettings selects the event and business stores.
	StoreSettings struct {
		Driver      string `env:"DRIVER"`
		Path        string `env:"PATH"`
		PostgresURL string `env:"POSTGRES_URL"`
	}

	// RedisSettings locates the stream bus. An empty Addr selects the
	// in-process bus.
	RedisSettings struct {
		Addr     string `env:"ADDR"`
		Password string `env:"PASSWORD"`
		DB       int    `env:"DB"`
	}

	// StreamSettings names topics.
	StreamSettings struct {
		Prefix     string `env:"PREFIX"`
		Partitions int    `env:"PARTITIONS"`
		Owned      []int  `env:"OWNED" envSeparator:","`
		MaxLen     int64  `env:"MAX_LEN"`
	}

	// WorkerSettings tunes the worker pools.
	WorkerSettings struct {
		Consumer       string        `env:"CONSUMER"`
		Lanes          int           `env:"LANES"`
		BatchSize      int           `env:"BATCH_SIZE"`
		Block          time.Duration `env:"BLOCK"`
		ClaimInterval  time.Duration `env:"CLAIM_INTERVAL"`
		ClaimMinIdle   time.Duration `env:"CLAIM_MIN_IDLE"`
		LagInterval    time.Duration `env:"LAG_INTERVAL"`
		DrainTimeout   time.Duration `env:"DRAIN_TIMEOUT"`
		HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT"`
		MaxDeliveries  int64         `env:"MAX_DELIVERIES"`
		MaxAge         time.Duration `env:"MAX_AGE"`
	}

	// RetrySettings is the in-delivery retry policy of handlers.
	RetrySettings struct {
		MaxAttempts    int           `env:"MAX_ATTEMPTS"`
		InitialBackoff time.Duration `env:"INITIAL_BACKOFF"`
		MaxBackoff     time.Duration `env:"MAX_BACKOFF"`
		BackoffFactor  float64       `env:"BACKOFF_FACTOR"`
		Jitter         float64       `env:"JITTER"`
	}

	// RelaySettings tunes the outbox relay.
	RelaySettings struct {
		Interval  time.Duration `env:"INTERVAL"`
		Grace     time.Duration `env:"GRACE"`
		BatchSize int           `env:"BATCH_SIZE"`
	}

	// OpsSettings configures the operational HTTP server.
	OpsSettings struct {
		Addr            string        `env:"ADDR"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
	}

	// TracingSettings configures OTLP trace export.
	TracingSettings struct {
		Enabled  bool   `env:"ENABLED"`
		Endpoint string `env:"ENDPOINT"`
	}

	// S3Settings locates the policy document bucket. An empty Bucket keeps
	// documents in memory.
	S3Settings struct {
		Endpoint  string `env:"ENDPOINT"`
		Region    string `env:"REGION"`
		AccessKey string `env:"ACCESS_KEY"`
		SecretKey string `env:"SECRET_KEY"`
		Bucket    string `env:"BUCKET"`
	}

	// KafkaSettings configures the audit forwarder. No brokers disables it.
	KafkaSettings struct {
		Brokers []string `env:"BROKERS" envSeparator:","`
		Topic   string   `env:"TOPIC"`
	}

	// CommissionSettings holds commission rates in basis points.
	CommissionSettings struct {
		BrokerBPS    int `env:"BROKER_BPS"`
		ManagerBPS   int `env:"MANAGER_BPS"`
		AffiliateBPS int `env:"AFFILIATE_BPS"`
	}
)

// Defaults returns the settings used when nothing overrides them.
func Defaults() Settings {
	return Settings{
		ServiceName: "insurance-crm-worker",
		LogLevel:    "info",
		Store: StoreSettings{
			Driver: DriverSQLite,
			Path:   "crm.db",
		},
		Stream: StreamSettings{
			Prefix: stream.DefaultPrefix,
			MaxLen: stream.DefaultMaxLen,
		},
		Worker: WorkerSettings{
			Lanes:          4,
			BatchSize:      16,
			Block:          2 * time.Second,
			ClaimInterval:  30 * time.Second,
			ClaimMinIdle:   60 * time.Second,
			LagInterval:    15 * time.Second,
			DrainTimeout:   10 * time.Second,
			HandlerTimeout: 30 * time.Second,
			MaxDeliveries:  bberrors.DefaultBudget.MaxDeliveries,
			MaxAge:         bberrors.DefaultBudget.MaxAge,
		},
		Retry: RetrySettings{
			MaxAttempts:    bberrors.DefaultRetry.MaxAttempts,
			InitialBackoff: bberrors.DefaultRetry.InitialBackoff,
			MaxBackoff:     bberrors.DefaultRetry.MaxBackoff,
			BackoffFactor:  bberrors.DefaultRetry.BackoffFactor,
			Jitter:         bberrors.DefaultRetry.Jitter,
		},
		Relay: RelaySettings{
			Interval:  5 * time.Second,
			Grace:     10 * time.Second,
			BatchSize: 100,
		},
		Ops: OpsSettings{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		S3: S3Settings{
			Region: "us-east-1",
		},
		Kafka: KafkaSettings{
			Topic: "insurance.audit",
		},
		Commission: CommissionSettings{
			BrokerBPS:    1500,
			ManagerBPS:   500,
			AffiliateBPS: 300,
		},
	}
}

// Load returns Defaults overlaid with the file at path (skipped when
// empty) and then with CRM_ environment variables.
func Load(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		v, err := FromFile(path)
		if err != nil {
			return Settings{}, err
		}
		s.Overlay(v)
	}
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return Settings{}, fmt.Errorf("config error: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Overlay replaces every setting present in v. Keys mirror the YAML
// layout, e.g. "worker.claim_min_idle".
func (s *Settings) Overlay(v Values) {
	s.ServiceName = v.String("service_name", s.ServiceName)
	s.LogLevel = v.String("log_level", s.LogLevel)

	st := v.Sub("store")
	s.Store.Driver = st.String("driver", s.Store.Driver)
	s.Store.Path = st.String("path", s.Store.Path)
	s.Store.PostgresURL = st.String("postgres_url", s.Store.PostgresURL)

	r := v.Sub("redis")
	s.Redis.Addr = r.String("addr", s.Redis.Addr)
	s.Redis.Password = r.String("password", s.Redis.Password)
	s.Redis.DB = r.Int("db", s.Redis.DB)

	sm := v.Sub("stream")
	s.Stream.Prefix = sm.String("prefix", s.Stream.Prefix)
	s.Stream.Partitions = sm.Int("partitions", s.Stream.Partitions)
	s.Stream.Owned = sm.IntSlice("owned", s.Stream.Owned)
	s.Stream.MaxLen = sm.Int64("max_len", s.Stream.MaxLen)

	w := v.Sub("worker")
	s.Worker.Consumer = w.String("consumer", s.Worker.Consumer)
	s.Worker.Lanes = w.Int("lanes", s.Worker.Lanes)
	s.Worker.BatchSize = w.Int("batch_size", s.Worker.BatchSize)
	s.Worker.Block = w.Duration("block", s.Worker.Block)
	s.Worker.ClaimInterval = w.Duration("claim_interval", s.Worker.ClaimInterval)
	s.Worker.ClaimMinIdle = w.Duration("claim_min_idle", s.Worker.ClaimMinIdle)
	s.Worker.LagInterval = w.Duration("lag_interval", s.Worker.LagInterval)
	s.Worker.DrainTimeout = w.Duration("drain_timeout", s.Worker.DrainTimeout)
	s.Worker.HandlerTimeout = w.Duration("handler_timeout", s.Worker.HandlerTimeout)
	s.Worker.MaxDeliveries = w.Int64("max_deliveries", s.Worker.MaxDeliveries)
	s.Worker.MaxAge = w.Duration("max_age", s.Worker.MaxAge)

	rt := v.Sub("retry")
	s.Retry.MaxAttempts = rt.Int("max_attempts", s.Retry.MaxAttempts)
	s.Retry.InitialBackoff = rt.Duration("initial_backoff", s.Retry.InitialBackoff)
	s.Retry.MaxBackoff = rt.Duration("max_backoff", s.Retry.MaxBackoff)
	s.Retry.BackoffFactor = rt.Float("backoff_factor", s.Retry.BackoffFactor)
	s.Retry.Jitter = rt.Float("jitter", s.Retry.Jitter)

	rl := v.Sub("relay")
	s.Relay.Interval = rl.Duration("interval", s.Relay.Interval)
	s.Relay.Grace = rl.Duration("grace", s.Relay.Grace)
	s.Relay.BatchSize = rl.Int("batch_size", s.Relay.BatchSize)

	o := v.Sub("ops")
	s.Ops.Addr = o.String("addr", s.Ops.Addr)
	s.Ops.ShutdownTimeout = o.Duration("shutdown_timeout", s.Ops.ShutdownTimeout)

	tr := v.Sub("tracing")
	s.Tracing.Enabled = tr.Bool("enabled", s.Tracing.Enabled)
	s.Tracing.Endpoint = tr.String("endpoint", s.Tracing.Endpoint)

	s3 := v.Sub("s3")
	s.S3.Endpoint = s3.String("endpoint", s.S3.Endpoint)
	s.S3.Region = s3.String("region", s.S3.Region)
	s.S3.AccessKey = s3.String("access_key", s.S3.AccessKey)
	s.S3.SecretKey = s3.String("secret_key", s.S3.SecretKey)
	s.S3.Bucket = s3.String("bucket", s.S3.Bucket)

	k := v.Sub("kafka")
	s.Kafka.Brokers = k.StringSlice("brokers", s.Kafka.Brokers)
	s.Kafka.Topic = k.String("topic", s.Kafka.Topic)

	c := v.Sub("commission")
	s.Commission.BrokerBPS = c.Int("broker_bps", s.Commission.BrokerBPS)
	s.Commission.ManagerBPS = c.Int("manager_bps", s.Commission.ManagerBPS)
	s.Commission.AffiliateBPS = c.Int("affiliate_bps", s.Commission.AffiliateBPS)
}

// Validate reports every invalid setting.
func (s Settings) Validate() error {
	var errs []error
	switch s.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if s.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case DriverPostgres:
		if s.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, postgres", s.Store.Driver))
	}
	if s.Worker.Lanes <= 0 {
		errs = append(errs, errors.New("worker.lanes must be positive"))
	}
	if s.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("worker.batch_size must be positive"))
	}
	if s.Worker.ClaimMinIdle <= 0 {
		errs = append(errs, errors.New("worker.claim_min_idle must be positive"))
	}
	if s.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if s.Stream.Partitions < 0 {
		errs = append(errs, errors.New("stream.partitions must not be negative"))
	}
	if err := s.Topics().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("stream: %w", err))
	}
	for name, bps := range map[string]int{
		"broker_bps":    s.Commission.BrokerBPS,
		"manager_bps":   s.Commission.ManagerBPS,
		"affiliate_bps": s.Commission.AffiliateBPS,
	} {
		if bps < 0 || bps > 10000 {
			errs = append(errs, fmt.Errorf("commission.%s must be within 0..10000", name))
		}
	}
	if _, err := parseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level returns the slog level named by LogLevel.
func (s Settings) Level() slog.Level {
	level, _ := parseLevel(s.LogLevel)
	return level
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", name, err)
	}
	return level, nil
}

// RetryConfig returns the handler retry policy.
func (s Settings) RetryConfig() bberrors.RetryConfig {
	return bberrors.RetryConfig{
		MaxAttempts:    s.Retry.MaxAttempts,
		InitialBackoff: s.Retry.InitialBackoff,
		MaxBackoff:     s.Retry.MaxBackoff,
		BackoffFactor:  s.Retry.BackoffFactor,
		Jitter:         s.Retry.Jitter,
	}
}

// Budget returns the cross-delivery retry budget.
func (s Settings) Budget() bberrors.Budget {
	return bberrors.Budget{MaxDeliveries: s.Worker.MaxDeliveries, MaxAge: s.Worker.MaxAge}
}

// Topics returns the topic naming scheme.
func (s Settings) Topics() stream.Topics {
	return stream.Topics{Prefix: s.Stream.Prefix, Partitions: s.Stream.Partitions, Owned: s.Stream.Owned}
}

// RedisConfig returns the Redis connection settings.
func (s Settings) RedisConfig() stream.RedisConfig {
	return stream.RedisConfig{Addr: s.Redis.Addr, Password: s.Redis.Password, DB: s.Redis.DB}
}
