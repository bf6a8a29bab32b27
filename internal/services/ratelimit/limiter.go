// Package ratelimit sheds excessive per-account load before any fraud or
// storage work happens.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/config"
	"github.com/fastprodman/ticketeconomy/internal/infra/window"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// Class groups operations sharing one limit.
type Class string

const (
	ClassDeposit  Class = "deposit"
	ClassWithdraw Class = "withdraw"
	ClassPurchase Class = "purchase"
)

// LimitError carries the hint returned to callers as Retry-After.
type LimitError struct {
	AccountID  int64
	Class      Class
	Limit      int64
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for account %d on %s: %d per window", e.AccountID, e.Class, e.Limit)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

type Limiter struct {
	counter window.Counter
	cfg     config.RateLimitConfig
	logger  *slog.Logger
}

func New(counter window.Counter, cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Limiter{counter: counter, cfg: cfg, logger: logger}
}

// Allow records an attempt and rejects it once the account exceeded the
// class limit inside the window. Counter failures let the call through.
func (l *Limiter) Allow(ctx context.Context, accountID int64, class Class) error {
	limit := l.limitFor(class)
	if limit <= 0 {
		return nil
	}

	n, err := l.counter.Hit(ctx, Key(accountID, class), l.cfg.Window)
	if err != nil {
		l.logger.WarnContext(ctx, "rate limit counter unavailable, allowing",
			"account_id", accountID, "class", string(class), "error", err)

		return nil
	}

	if n > limit {
		return &LimitError{AccountID: accountID, Class: class, Limit: limit, RetryAfter: l.cfg.Window}
	}

	return nil
}

func (l *Limiter) limitFor(class Class) int64 {
	switch class {
	case ClassDeposit:
		return l.cfg.DepositLimit
	case ClassWithdraw:
		return l.cfg.WithdrawLimit
	case ClassPurchase:
		return l.cfg.PurchaseLimit
	default:
		return l.cfg.DefaultLimit
	}
}

func Key(accountID int64, class Class) string {
	return fmt.Sprintf("rl:%d:%s", accountID, class)
}
