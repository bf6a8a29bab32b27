// Package retry runs an operation again on transient failures with bounded,
// jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/fastprodman/ticketeconomy/internal/config"
)

// ErrExhausted wraps the last transient error once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

type classifier func(error) bool

func (c classifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case c(err):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	retryable   func(error) bool
	r           *retrier.Retrier
	maxAttempts int
	logger      *slog.Logger
}

// New builds a coordinator that retries errors for which retryable is true.
// MaxAttempts counts the first call.
func New(cfg config.RetryConfig, retryable func(error) bool, logger *slog.Logger) *Coordinator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	if logger == nil {
		logger = slog.Default()
	}

	backoff := retrier.LimitedExponentialBackoff(cfg.MaxAttempts-1, cfg.BaseDelay, cfg.MaxDelay)

	r := retrier.New(backoff, classifier(retryable))
	r.SetJitter(cfg.Jitter)

	return &Coordinator{
		retryable:   retryable,
		r:           r,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

// Do calls fn until it succeeds, fails permanently, ctx ends or the attempts
// run out. Exhaustion is reported as ErrExhausted joined with the last error.
func (c *Coordinator) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := 0
	started := time.Now()

	err := c.r.RunCtx(ctx, func(ctx context.Context) error {
		attempts++

		err := fn(ctx)
		if err != nil && c.retryable(err) && attempts < c.maxAttempts {
			c.logger.Debug("transient failure, retrying", "attempt", attempts, "error", err)
		}

		return err
	})
	if err == nil {
		if attempts > 1 {
			c.logger.Debug("succeeded after retry", "attempts", attempts, "elapsed", time.Since(started))
		}

		return nil
	}

	if c.retryable(err) {
		c.logger.Warn("retries exhausted", "attempts", attempts, "error", err)

		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}

	return err
}

// MaxAttempts reports the configured attempt budget.
func (c *Coordinator) MaxAttempts() int { return c.maxAttempts }
