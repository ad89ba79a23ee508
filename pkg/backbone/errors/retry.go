package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures retries within a single delivery of a message.
// Retries across deliveries are bounded by a Budget instead.
type RetryConfig struct {
	// MaxAttempts counts the first run. Values below one mean one.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// Jitter spreads each wait by up to this fraction in either direction.
	Jitter float64

	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetry is used by handlers registered without a policy.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry runs once.
var NoRetry = RetryConfig{MaxAttempts: 1}

func (c RetryConfig) attempts() int {
	return max(c.MaxAttempts, 1)
}

// Delay returns the wait before retry number n (1-based), without jitter.
func (c RetryConfig) Delay(n int) time.Duration {
	d := float64(c.InitialBackoff)
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	for i := 1; i < n; i++ {
		d *= factor
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

func (c RetryConfig) jittered(n int) time.Duration {
	d := c.Delay(n)
	if c.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * c.Jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(d) + spread)
}

// RetryResult is the outcome of WithRetryContext.
type RetryResult[T any] struct {
	Value    T
	Err      error
	Attempts int
}

// WithRetryContext runs fn until it succeeds, fails with an error that is
// not retryable, or runs out of attempts. A failed result always carries a
// *CategorizedError. Cancellation is transient so the message stays
// eligible for redelivery. A duplicate stops retrying and keeps the value
// fn returned with it.
func WithRetryContext[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) RetryResult[T] {
	var res RetryResult[T]
	limit := cfg.attempts()

	for res.Attempts < limit {
		if err := ctx.Err(); err != nil {
			res.Err = &CategorizedError{Err: err, Category: CategoryTransient, Retries: res.Attempts, Context: "context cancelled"}
			return res
		}

		value, err := fn(ctx)
		res.Attempts++
		if err == nil {
			res.Value, res.Err = value, nil
			return res
		}
		if IsDuplicate(err) || !IsRetryable(err) {
			res.Value = value
			res.Err = &CategorizedError{Err: err, Category: Categorize(err), Retries: res.Attempts}
			return res
		}
		res.Err = &CategorizedError{Err: err, Category: Categorize(err), Retries: res.Attempts, Context: "max retries exceeded"}
		if res.Attempts == limit {
			break
		}

		wait := cfg.jittered(res.Attempts)
		if cfg.OnRetry != nil {
			cfg.OnRetry(res.Attempts, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = &CategorizedError{Err: ctx.Err(), Category: CategoryTransient, Retries: res.Attempts, Context: "context cancelled during backoff"}
			return res
		case <-timer.C:
		}
	}
	return res
}

// Budget bounds retries across deliveries of the same message.
type Budget struct {
	// MaxDeliveries caps how many times a message may be handed to a
	// worker before it is dead-lettered. Zero means unlimited.
	MaxDeliveries int64

	// MaxAge caps the time since the event occurred. Zero means unlimited.
	MaxAge time.Duration
}

// DefaultBudget is the cross-delivery budget used when none is configured.
var DefaultBudget = Budget{
	MaxDeliveries: 5,
	MaxAge:        24 * time.Hour,
}

// Exhausted reports whether a message delivered deliveries times for an
// event that occurred at occurredAt has used up the budget.
func (b Budget) Exhausted(deliveries int64, occurredAt, now time.Time) bool {
	if b.MaxDeliveries > 0 && deliveries >= b.MaxDeliveries {
		return true
	}
	if b.MaxAge > 0 && !occurredAt.IsZero() && now.Sub(occurredAt) > b.MaxAge {
		return true
	}
	return false
}
