/*
Package config loads process settings for the event backbone.

# Values

Values wraps a decoded YAML or JSON document and extracts typed values
with defaults. Keys may be dotted paths into nested maps:

	v, err := config.FromFile("worker.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	addr := v.String("redis.addr", "")
	block := v.Duration("worker.block", 2*time.Second)

Missing keys and values of the wrong type yield the default. Durations
accept strings ("30s") or numbers of seconds.

# Settings

Settings is the typed configuration of a worker process. Load builds it
in three layers: Defaults, then the optional file, then environment
variables prefixed with CRM_ (for example CRM_REDIS_ADDR or
CRM_WORKER_LANES).

	s, err := config.Load(os.Getenv("CRM_CONFIG"))
*/
package config
