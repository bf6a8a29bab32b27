// Package breaker sheds load from a failing dependency.
//
// It adapts sony/gobreaker to the wallet's rules: the breaker opens after
// FailureThreshold consecutive counted failures inside Window, rejects calls
// while open, and after Cooldown lets exactly one trial call through. That
// call's outcome closes or reopens it. A panicking call counts as a failure.
package breaker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fastprodman/ticketeconomy/internal/config"
	"github.com/sony/gobreaker"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *slog.Logger
}

type Option func(*Breaker)

func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithName labels the breaker in logs.
func WithName(name string) Option {
	return func(b *Breaker) { b.name = name }
}

// New returns a closed breaker. counts decides which errors are failures of
// the protected dependency; other errors reset the failure streak since they
// still prove the dependency answered.
func New(cfg config.BreakerConfig, counts func(error) bool, opts ...Option) *Breaker {
	threshold := uint32(max(cfg.FailureThreshold, 1)) //nolint:gosec

	b := &Breaker{name: "storage", logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !counts(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				"breaker", name, "from", fromGobreaker(from).String(), "to", fromGobreaker(to).String())
		},
	})

	return b
}

// Do runs fn unless the breaker rejects the call with ErrOpen.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}

	return err
}

func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}
