package events

import (
	"context"
	"errors"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/infra/async"
)

// AsyncPublisher hands events to a background runner so callers never wait
// on the sink. Publish only fails when the event could not be queued.
type AsyncPublisher struct {
	runner  *async.Runner
	next    Publisher
	timeout time.Duration
}

func NewAsync(runner *async.Runner, next Publisher, timeout time.Duration) *AsyncPublisher {
	return &AsyncPublisher{runner: runner, next: next, timeout: timeout}
}

var ErrQueueFull = errors.New("event queue full")

func (p *AsyncPublisher) Publish(_ context.Context, e Event) error {
	ok := p.runner.Submit("publish "+string(e.Type), func(ctx context.Context) error {
		if p.timeout > 0 {
			var cancel context.CancelFunc

			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}

		return p.next.Publish(ctx, e)
	})
	if !ok {
		return ErrQueueFull
	}

	return nil
}
