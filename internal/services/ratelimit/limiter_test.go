package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/config"
	"github.com/fastprodman/ticketeconomy/internal/infra/logging"
	"github.com/fastprodman/ticketeconomy/internal/infra/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingCounter struct{}

func (failingCounter) Hit(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Window:        time.Minute,
		DepositLimit:  3,
		WithdrawLimit: 2,
		PurchaseLimit: 1,
		DefaultLimit:  5,
	}
}

func TestLimiter_Allow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		class    Class
		attempts int
		allowed  int
	}{
		{name: "deposit", class: ClassDeposit, attempts: 5, allowed: 3},
		{name: "withdraw", class: ClassWithdraw, attempts: 4, allowed: 2},
		{name: "purchase", class: ClassPurchase, attempts: 2, allowed: 1},
		{name: "other_class_uses_default", class: Class("admin"), attempts: 7, allowed: 5},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := New(window.NewMemoryCounter(nil), testConfig(), logging.Discard())

			allowed := 0

			for range tt.attempts {
				err := l.Allow(context.Background(), 1, tt.class)
				if err == nil {
					allowed++
					continue
				}

				require.ErrorIs(t, err, ErrRateLimited)
			}

			assert.Equal(t, tt.allowed, allowed)
		})
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(window.NewMemoryCounter(nil), testConfig(), logging.Discard())
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, 1, ClassPurchase))
	require.Error(t, l.Allow(ctx, 1, ClassPurchase))

	assert.NoError(t, l.Allow(ctx, 2, ClassPurchase))
	assert.NoError(t, l.Allow(ctx, 1, ClassDeposit))
}

func TestLimiter_WindowSlides(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(window.NewMemoryCounter(func() time.Time { return now }), testConfig(), logging.Discard())
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, 1, ClassPurchase))

	err := l.Allow(ctx, 1, ClassPurchase)

	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, time.Minute, le.RetryAfter)

	now = now.Add(61 * time.Second)
	assert.NoError(t, l.Allow(ctx, 1, ClassPurchase))
}

func TestLimiter_CounterFailureAllows(t *testing.T) {
	t.Parallel()

	l := New(failingCounter{}, testConfig(), logging.Discard())

	for range 10 {
		assert.NoError(t, l.Allow(context.Background(), 1, ClassPurchase))
	}
}
