// Package shutdownqueue provides a LIFO queue of named cleanup tasks.
//
// A process-wide queue is available through Add and Shutdown; components that
// need their own lifecycle (tests, embedded servers) can create one with New.
//
//	shutdownqueue.Add("http server", srv.Shutdown)
//	defer shutdownqueue.Shutdown(ctx)
//
// Tasks run once, in reverse order of registration. Panics are recovered.
// Shutdown is idempotent and returns an aggregated error via errors.Join.
package shutdownqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is a shutdown function. It should honor ctx and return an error
// if it can't finish (or ctx is canceled).
type Task func(ctx context.Context) error

type namedTask struct {
	name string
	fn   Task
}

// Queue holds shutdown tasks until Shutdown drains them.
type Queue struct {
	mu     sync.Mutex
	tasks  []namedTask
	closed bool
	logger *slog.Logger
}

// New returns an empty queue. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Queue {
	return &Queue{tasks: make([]namedTask, 0, 8), logger: logger}
}

var std = New(nil)

// Add registers a task on the process-wide queue.
func Add(name string, t Task) { std.Add(name, t) }

// Shutdown drains the process-wide queue.
func Shutdown(ctx context.Context) error { return std.Shutdown(ctx) }

// Add registers a task to be run on Shutdown, in LIFO order.
// If t is nil or shutdown has already started, Add does nothing.
func (q *Queue) Add(name string, t Task) {
	if t == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.tasks = append(q.tasks, namedTask{name: name, fn: t})
}

// Len reports the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tasks)
}

// Shutdown drains all registered tasks in LIFO order. Subsequent calls are
// no-ops. If ctx ends mid-drain the remaining tasks are skipped and the
// context error is joined with the task errors collected so far.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()

	if q.closed && len(q.tasks) == 0 {
		q.mu.Unlock()

		return nil
	}

	q.closed = true
	tasks := q.tasks
	q.tasks = nil

	q.mu.Unlock()

	var errs []error

	for i := len(tasks) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("shutdown canceled: %w", ctx.Err()))

			return errors.Join(errs...)
		default:
		}

		err := q.run(ctx, tasks[i])
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (q *Queue) run(ctx context.Context, t namedTask) (err error) {
	started := time.Now()

	defer func() {
		r := recover()
		if r != nil {
			err = fmt.Errorf("panic in shutdown task %q: %v", t.name, r)
		}

		q.log().Info("shutdown task finished",
			"task", t.name,
			"duration", time.Since(started),
			"error", err,
		)
	}()

	err = t.fn(ctx)
	if err != nil {
		return fmt.Errorf("shutdown task %q: %w", t.name, err)
	}

	return nil
}

func (q *Queue) log() *slog.Logger {
	if q.logger != nil {
		return q.logger
	}

	return slog.Default()
}
