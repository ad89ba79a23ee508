package errors_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bberrors "github.com/Narjhan-ng/insurance-crm/pkg/backbone/errors"
)

func TestCategoryString(t *testing.T) {
	assert.Equal(t, "transient", bberrors.CategoryTransient.String())
	assert.Equal(t, "permanent", bberrors.CategoryPermanent.String())
	assert.Equal(t, "unknown", bberrors.Category(99).String())
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bberrors.Category
	}{
		{"nil error", nil, bberrors.CategoryPermanent},
		{"explicit transient", bberrors.Transient(errors.New("db down"), "insert"), bberrors.CategoryTransient},
		{"explicit permanent", bberrors.Permanent(errors.New("bad quote"), "validate"), bberrors.CategoryPermanent},
		{"wrapped permanent", fmt.Errorf("handler: %w", bberrors.Permanent(errors.New("x"), "")), bberrors.CategoryPermanent},
		{"validation", &bberrors.ValidationError{Field: "quote_id", Message: "required"}, bberrors.CategoryPermanent},
		{"decode", &bberrors.DecodeError{EventType: "QuoteAccepted", Err: errors.New("eof")}, bberrors.CategoryPermanent},
		{"durability", &bberrors.DurabilityError{EventID: "e1", Err: errors.New("disk full")}, bberrors.CategoryTransient},
		{"deadline", context.DeadlineExceeded, bberrors.CategoryTransient},
		{"unsupported", errors.ErrUnsupported, bberrors.CategoryPermanent},
		{"unknown", errors.New("connection reset"), bberrors.CategoryTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, bberrors.Categorize(tt.err))
		})
	}
}

func TestCategorizedErrorMessage(t *testing.T) {
	err := bberrors.NewCategorized(errors.New("failed"), bberrors.CategoryTransient, "send email")
	assert.Equal(t, "send email: failed [transient]", err.Error())

	err = bberrors.NewCategorized(errors.New("failed"), bberrors.CategoryPermanent, "")
	assert.Equal(t, "failed [permanent]", err.Error())

	err.Retries = 3
	assert.Equal(t, "failed [permanent after 3 attempts]", err.Error())
}

func TestErrorTypes(t *testing.T) {
	inner := errors.New("disk full")
	dur := &bberrors.DurabilityError{EventID: "e1", EventType: "QuoteAccepted", Err: inner}
	assert.ErrorIs(t, dur, inner)
	assert.Contains(t, dur.Error(), "e1")

	v := &bberrors.ValidationError{Message: "premium must be positive"}
	assert.Equal(t, "validation error: premium must be positive", v.Error())

	b := &bberrors.BudgetExhaustedError{Attempts: 5, Elapsed: time.Second, Err: inner}
	assert.ErrorIs(t, b, inner)
	assert.Contains(t, b.Error(), "5 attempts")
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, bberrors.IsDuplicate(fmt.Errorf("policy exists: %w", bberrors.ErrDuplicateDelivery)))
	assert.False(t, bberrors.IsDuplicate(errors.New("other")))
	assert.False(t, bberrors.IsPermanent(nil))
}

func TestWithRetryContext(t *testing.T) {
	fast := bberrors.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2,
	}
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		result := bberrors.WithRetryContext(ctx, fast, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("smtp unavailable")
			}
			return "sent", nil
		})
		require.NoError(t, result.Err)
		assert.Equal(t, "sent", result.Value)
		assert.Equal(t, 3, result.Attempts)
	})

	t.Run("stops on permanent failure", func(t *testing.T) {
		calls := 0
		result := bberrors.WithRetryContext(ctx, fast, func(context.Context) (int, error) {
			calls++
			return 0, bberrors.Permanent(errors.New("negative premium"), "validate")
		})
		require.Error(t, result.Err)
		assert.Equal(t, 1, calls)
		assert.True(t, bberrors.IsPermanent(result.Err))
	})

	t.Run("stops on duplicate", func(t *testing.T) {
		calls := 0
		result := bberrors.WithRetryContext(ctx, fast, func(context.Context) (int, error) {
			calls++
			return 7, bberrors.ErrDuplicateDelivery
		})
		assert.Equal(t, 1, calls)
		assert.True(t, bberrors.IsDuplicate(result.Err))
		assert.Equal(t, 7, result.Value)
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		var retried []int
		cfg := fast
		cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }
		result := bberrors.WithRetryContext(ctx, cfg, func(context.Context) (int, error) {
			return 0, errors.New("timeout")
		})
		require.Error(t, result.Err)
		assert.Equal(t, 3, result.Attempts)
		assert.Equal(t, []int{1, 2}, retried)
		assert.True(t, bberrors.IsRetryable(result.Err))
	})

	t.Run("no retry runs once", func(t *testing.T) {
		calls := 0
		result := bberrors.WithRetryContext(ctx, bberrors.NoRetry, func(context.Context) (int, error) {
			calls++
			return 0, errors.New("timeout")
		})
		require.Error(t, result.Err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		result := bberrors.WithRetryContext(cctx, fast, func(context.Context) (int, error) {
			return 1, nil
		})
		require.Error(t, result.Err)
		assert.Equal(t, 0, result.Attempts)
		assert.ErrorIs(t, result.Err, context.Canceled)
		assert.True(t, bberrors.IsRetryable(result.Err))
	})
}

func TestRetryDelay(t *testing.T) {
	cfg := bberrors.RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffFactor: 3}

	assert.Equal(t, 100*time.Millisecond, cfg.Delay(1))
	assert.Equal(t, 300*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, 900*time.Millisecond, cfg.Delay(3))
	assert.Equal(t, time.Second, cfg.Delay(4))
	assert.Equal(t, time.Second, cfg.Delay(40))

	flat := bberrors.RetryConfig{InitialBackoff: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, flat.Delay(5))
}

func TestBudgetExhausted(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := bberrors.Budget{MaxDeliveries: 3, MaxAge: time.Hour}

	assert.False(t, b.Exhausted(1, now.Add(-time.Minute), now))
	assert.True(t, b.Exhausted(3, now.Add(-time.Minute), now))
	assert.True(t, b.Exhausted(1, now.Add(-2*time.Hour), now))
	assert.False(t, bberrors.Budget{}.Exhausted(100, now.Add(-1000*time.Hour), now))
}
