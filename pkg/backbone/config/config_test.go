package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Narjhan-ng/insurance-crm/pkg/backbone/config"
)

func TestValuesNested(t *testing.T) {
	v := config.New(map[string]any{
		"redis":    map[string]any{"addr": "localhost:6379", "db": 2},
		"flat.key": "direct",
		"worker": map[string]any{
			"block":   "250ms",
			"lanes":   8.0,
			"timeout": 1.5,
		},
	})

	assert.Equal(t, "localhost:6379", v.String("redis.addr", ""))
	assert.Equal(t, 2, v.Int("redis.db", 0))
	assert.Equal(t, "direct", v.String("flat.key", ""), "a literal dotted key wins")
	assert.Equal(t, 250*time.Millisecond, v.Duration("worker.block", 0))
	assert.Equal(t, 8, v.Int("worker.lanes", 0))
	assert.Equal(t, 1500*time.Millisecond, v.Duration("worker.timeout", 0))
	assert.Equal(t, "fallback", v.String("redis.addr.port", "fallback"))
	assert.True(t, v.Has("redis.db"))
	assert.False(t, v.Has("redis.password"))

	sub := v.Sub("redis")
	assert.Equal(t, "localhost:6379", sub.String("addr", ""))
	assert.Empty(t, v.Sub("missing").Keys())
	assert.Equal(t, []string{"flat.key", "redis", "worker"}, v.Keys())
}

func TestValuesAccessors(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		got  func(config.Values) any
		want any
	}{
		{"string", map[string]any{"k": "v"}, func(v config.Values) any { return v.String("k", "d") }, "v"},
		{"string wrong type", map[string]any{"k": 1}, func(v config.Values) any { return v.String("k", "d") }, "d"},
		{"duration string", map[string]any{"k": "30s"}, func(v config.Values) any { return v.Duration("k", 0) }, 30 * time.Second},
		{"duration seconds", map[string]any{"k": 5}, func(v config.Values) any { return v.Duration("k", 0) }, 5 * time.Second},
		{"duration invalid", map[string]any{"k": "soon"}, func(v config.Values) any { return v.Duration("k", time.Minute) }, time.Minute},
		{"bool", map[string]any{"k": true}, func(v config.Values) any { return v.Bool("k", false) }, true},
		{"int from float", map[string]any{"k": 3.0}, func(v config.Values) any { return v.Int("k", 0) }, 3},
		{"int fractional", map[string]any{"k": 3.5}, func(v config.Values) any { return v.Int("k", 7) }, 7},
		{"int64", map[string]any{"k": int64(1) << 40}, func(v config.Values) any { return v.Int64("k", 0) }, int64(1) << 40},
		{"float from int", map[string]any{"k": 2}, func(v config.Values) any { return v.Float("k", 0) }, 2.0},
		{"slice", map[string]any{"k": []any{"a", "b"}}, func(v config.Values) any { return v.StringSlice("k", nil) }, []string{"a", "b"}},
		{"slice single", map[string]any{"k": "a"}, func(v config.Values) any { return v.StringSlice("k", nil) }, []string{"a"}},
		{"slice mixed", map[string]any{"k": []any{"a", 1}}, func(v config.Values) any { return v.StringSlice("k", []string{"d"}) }, []string{"d"}},
		{"ints", map[string]any{"k": []any{0, 2.0}}, func(v config.Values) any { return v.IntSlice("k", nil) }, []int{0, 2}},
		{"ints mixed", map[string]any{"k": []any{0, "a"}}, func(v config.Values) any { return v.IntSlice("k", []int{9}) }, []int{9}},
		{"nil map", nil, func(v config.Values) any { return v.String("k", "d") }, "d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got(config.New(tt.data)))
		})
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "worker.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("redis:\n  addr: redis:6379\n"), 0o600))
	v, err := config.FromFile(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", v.String("redis.addr", ""))

	jsonPath := filepath.Join(dir, "worker.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"worker":{"lanes":6}}`), 0o600))
	v, err = config.FromFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 6, v.Int("worker.lanes", 0))

	_, err = config.FromFile(filepath.Join(dir, "worker.toml"))
	assert.Error(t, err)

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("redis: [unclosed"), 0o600))
	_, err = config.FromFile(badPath)
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	s, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.DriverSQLite, s.Store.Driver)
	assert.Equal(t, 4, s.Worker.Lanes)
	assert.Equal(t, 60*time.Second, s.Worker.ClaimMinIdle)
	assert.Equal(t, 1500, s.Commission.BrokerBPS)
	assert.Equal(t, slog.LevelInfo, s.Level())
	assert.Equal(t, int64(5), s.Budget().MaxDeliveries)
	assert.Equal(t, 3, s.RetryConfig().MaxAttempts)
	assert.Equal(t, "insurance:events", s.Topics().Prefix)
}

func TestLoadLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
store:
  driver: memory
redis:
  addr: redis:6379
worker:
  lanes: 8
  claim_min_idle: 2m
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
commission:
  manager_bps: 600
stream:
  partitions: 4
  owned: [0, 2]
`), 0o600))

	t.Setenv("CRM_WORKER_LANES", "12")
	t.Setenv("CRM_REDIS_DB", "3")
	t.Setenv("CRM_S3_BUCKET", "policy-documents")

	s, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, s.Level())
	assert.Equal(t, config.DriverMemory, s.Store.Driver)
	assert.Equal(t, "redis:6379", s.Redis.Addr)
	assert.Equal(t, 3, s.RedisConfig().DB)
	assert.Equal(t, 12, s.Worker.Lanes, "environment overrides the file")
	assert.Equal(t, 2*time.Minute, s.Worker.ClaimMinIdle)
	assert.Equal(t, 16, s.Worker.BatchSize, "defaults survive")
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, s.Kafka.Brokers)
	assert.Equal(t, 600, s.Commission.ManagerBPS)
	assert.Equal(t, 1500, s.Commission.BrokerBPS)
	assert.Equal(t, "policy-documents", s.S3.Bucket)
	assert.Equal(t, []int{0, 2}, s.Topics().Owned)
}

func TestLoadOwnedPartitionsFromEnv(t *testing.T) {
	t.Setenv("CRM_STREAM_PARTITIONS", "4")
	t.Setenv("CRM_STREAM_OWNED", "1,3")

	s, err := config.Load("")
	require.NoError(t, err)

	topics := s.Topics()
	assert.Equal(t, []int{1, 3}, topics.Owned)
	assert.Equal(t, []string{"insurance:events:quote:1", "insurance:events:quote:3"}, topics.All([]string{"quote"}))
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"CRM_STORE_DRIVER": "mysql"}},
		{"postgres without url", map[string]string{"CRM_STORE_DRIVER": "postgres"}},
		{"no lanes", map[string]string{"CRM_WORKER_LANES": "0"}},
		{"rate out of range", map[string]string{"CRM_COMMISSION_BROKER_BPS": "20000"}},
		{"bad level", map[string]string{"CRM_LOG_LEVEL": "loud"}},
		{"unparsable duration", map[string]string{"CRM_WORKER_BLOCK": "soon"}},
		{"owned without partitions", map[string]string{"CRM_STREAM_OWNED": "0"}},
		{"owned out of range", map[string]string{"CRM_STREAM_PARTITIONS": "2", "CRM_STREAM_OWNED": "0,2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}
