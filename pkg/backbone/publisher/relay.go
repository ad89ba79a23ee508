package publisher

import (
	"context"
	"log/slog"
	"time"
)

// Relay defaults.
const (
	DefaultRelayInterval = 5 * time.Second
	DefaultRelayGrace    = 10 * time.Second
	DefaultRelayBatch    = 100
)

// RelayConfig configures a Relay.
type RelayConfig struct {
	// Interval is how often the store is polled.
	// Default: 5 seconds
	Interval time.Duration

	// Grace is how old an unpublished event must be before the relay
	// broadcasts it, leaving in-flight publishes alone.
	// Default: 10 seconds
	Grace time.Duration

	// BatchSize caps the events broadcast per poll.
	// Default: 100
	BatchSize int
}

// Relay broadcasts committed events whose broadcast failed.
type Relay struct {
	pub *Publisher
	cfg RelayConfig
	now func() time.Time
}

// NewRelay creates a relay for the publisher's store and bus.
func NewRelay(pub *Publisher, cfg RelayConfig) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRelayInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultRelayGrace
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayBatch
	}
	return &Relay{pub: pub, cfg: cfg, now: time.Now}
}

// Run polls until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && r.pub.cfg.Logger != nil {
				r.pub.cfg.Logger.Warn("relay poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Flush broadcasts one batch of unpublished events and returns how many
// reached the bus.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	recs, err := r.pub.cfg.Store.Unpublished(ctx, r.now().Add(-r.cfg.Grace), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	// Aggregates with a failed broadcast in this batch; their later
	// events wait for the next poll.
	stalled := make(map[string]struct{})
	for _, rec := range recs {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		key := rec.AggregateType + ":" + rec.AggregateID
		if _, ok := stalled[key]; ok {
			continue
		}
		if !r.pub.broadcast(ctx, rec.Event) {
			stalled[key] = struct{}{}
			continue
		}
		sent++
	}
	if sent > 0 && r.pub.cfg.Logger != nil {
		r.pub.cfg.Logger.Info("relay broadcast unpublished events", slog.Int("count", sent))
	}
	return sent, nil
}
