// Package async runs fire-and-forget work outside request transactions.
//
// Tasks are queued on a bounded channel and executed by a fixed set of
// workers. A full queue drops the task instead of blocking the caller, and
// task errors or panics are logged here and never reach the submitter.
package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

type job struct {
	name string
	fn   func(ctx context.Context) error
}

type Runner struct {
	queue       chan job
	workers     conc.WaitGroup
	taskTimeout time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	failed  atomic.Int64
}

// New starts workers goroutines consuming a queue of queueSize tasks.
func New(workers, queueSize int, taskTimeout time.Duration, logger *slog.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}

	if queueSize < 0 {
		queueSize = 0
	}

	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		queue:       make(chan job, queueSize),
		taskTimeout: taskTimeout,
		logger:      logger,
	}

	for range workers {
		r.workers.Go(r.work)
	}

	return r
}

// Submit enqueues fn. It reports false when the queue is full or the runner
// is shutting down.
func (r *Runner) Submit(name string, fn func(ctx context.Context) error) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		r.logger.Warn("async task rejected, runner closed", "task", name)

		return false
	}

	select {
	case r.queue <- job{name: name, fn: fn}:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warn("async task dropped, queue full", "task", name)

		return false
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})

	go func() {
		r.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("async runner did not drain"), ctx.Err())
	}
}

// Dropped counts tasks that were never run.
func (r *Runner) Dropped() int64 { return r.dropped.Load() }

// Failed counts tasks that returned an error or panicked.
func (r *Runner) Failed() int64 { return r.failed.Load() }

func (r *Runner) work() {
	for j := range r.queue {
		r.run(j)
	}
}

func (r *Runner) run(j job) {
	ctx := context.Background()

	if r.taskTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.taskTimeout)
		defer cancel()
	}

	var err error

	rec := panics.Try(func() { err = j.fn(ctx) })
	if rec != nil {
		err = rec.AsError()
	}

	if err != nil {
		r.failed.Add(1)
		r.logger.Error("async task failed", "task", j.name, "error", err)
	}
}
