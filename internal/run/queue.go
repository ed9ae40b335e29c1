package run

import (
	"context"
	"log/slog"
	"sync"

	"github.com/statbridge/statbridge/internal/cerr"
	"github.com/statbridge/statbridge/internal/result"
)

// InterruptFunc asks the worker to break the session for a task. Called on
// a fresh context because the run's own context is already cancelled.
type InterruptFunc func(ctx context.Context, taskID string) error

type waiter struct {
	st *State
	ch chan struct{}
}

// Queue serializes runs: one active State, FIFO waiters behind it, and a
// global cancel that aborts the active network operation and interrupts the
// worker-side task if one was already started.
type Queue struct {
	interrupt InterruptFunc
	logger    *slog.Logger

	mu      sync.Mutex
	active  *State
	waiters []*waiter
}

func NewQueue(interrupt InterruptFunc, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{interrupt: interrupt, logger: logger}
}

// Run executes fn with the active slot held. A second submission waits, in
// arrival order, until the first completes or is cancelled. Cancellation
// surfaces as a distinguishable outcome (cerr.Cancelled), not a failure.
func (q *Queue) Run(ctx context.Context, label string, fn func(ctx context.Context, st *State) (*result.Normalized, error)) (*result.Normalized, error) {
	st := newState(label)
	if err := q.acquire(ctx, st); err != nil {
		return nil, err
	}
	defer q.release(st)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	st.bindCancel(cancel)

	norm, err := fn(rctx, st)
	if st.Cancelled() && !cerr.IsCancelled(err) {
		err = cerr.Wrap(cerr.Cancelled, "run cancelled", err)
	}
	return norm, err
}

// CancelAll aborts the active run, if any, and reports whether anything was
// actually cancelled. If the run already has a worker-side task, a break
// request is also issued — exactly once — since the remote computation may
// not observe the transport-level abort.
func (q *Queue) CancelAll(ctx context.Context) bool {
	q.mu.Lock()
	st := q.active
	q.mu.Unlock()
	if st == nil {
		return false
	}
	taskID, first := st.beginCancel()
	if taskID != "" && first && q.interrupt != nil {
		if err := q.interrupt(ctx, taskID); err != nil {
			q.logger.Warn("worker interrupt failed", "task_id", taskID, "error", err)
		}
	}
	return true
}

// Active returns the currently running State, or nil.
func (q *Queue) Active() *State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *Queue) acquire(ctx context.Context, st *State) error {
	q.mu.Lock()
	if q.active == nil && len(q.waiters) == 0 {
		q.active = st
		q.mu.Unlock()
		return nil
	}
	w := &waiter{st: st, ch: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, x := range q.waiters {
			if x == w {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return ctx.Err()
			}
		}
		q.mu.Unlock()
		// Promoted concurrently with cancellation: give the slot up.
		q.release(st)
		return ctx.Err()
	}
}

// release hands the slot to the next waiter under the lock, keeping the
// order strictly first-come-first-served.
func (q *Queue) release(st *State) {
	q.mu.Lock()
	if q.active != st {
		q.mu.Unlock()
		return
	}
	if len(q.waiters) == 0 {
		q.active = nil
		q.mu.Unlock()
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.active = next.st
	q.mu.Unlock()
	close(next.ch)
}
