// Package waiter lets callers block on a future protocol event without
// losing or double-delivering it, and pause matching network requests until
// a disposition is chosen.
//
// Register the expectation first, then trigger the action that produces the
// event. An event that fired before registration is not observed.
package waiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/grantcarthew/webdrive/internal/cdp"
)

var (
	// ErrWaiterTimeout is returned when an expectation's deadline elapses with no match.
	ErrWaiterTimeout = errors.New("waiter timed out")

	// ErrCancelled is returned by waiters cancelled by the caller or by Reset.
	ErrCancelled = errors.New("waiter cancelled")

	// ErrAlreadyHandled is returned when a paused request was already resolved.
	ErrAlreadyHandled = errors.New("paused request already handled")
)

// slot is a single-assignment result cell.
type slot[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newSlot[T any]() *slot[T] {
	return &slot[T]{done: make(chan struct{})}
}

// set stores the result and reports whether this call won.
func (s *slot[T]) set(v T, err error) bool {
	won := false
	s.once.Do(func() {
		s.value = v
		s.err = err
		close(s.done)
		won = true
	})
	return won
}

func (s *slot[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.value, s.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Waiter is a one-shot expectation of a single event.
type Waiter struct {
	id       string
	method   string
	registry *Registry
	result   *slot[cdp.Event]

	mu    sync.Mutex
	sub   *cdp.Subscription
	timer *time.Timer
}

// ID returns the waiter's registry ID.
func (w *Waiter) ID() string {
	return w.id
}

// Method returns the awaited event method.
func (w *Waiter) Method() string {
	return w.method
}

// Wait blocks until the waiter resolves or ctx is done. Returning on ctx
// does not cancel the waiter.
func (w *Waiter) Wait(ctx context.Context) (cdp.Event, error) {
	return w.result.wait(ctx)
}

// Done is closed once the waiter has resolved, expired or been cancelled.
func (w *Waiter) Done() <-chan struct{} {
	return w.result.done
}

// Cancel ends the waiter with ErrCancelled if it has not resolved yet.
func (w *Waiter) Cancel() {
	w.finish(cdp.Event{}, ErrCancelled)
}

func (w *Waiter) cancel(err error) {
	w.finish(cdp.Event{}, err)
}

// finish settles the waiter and detaches it from the bus and registry.
func (w *Waiter) finish(evt cdp.Event, err error) {
	if !w.result.set(evt, err) {
		return
	}

	w.mu.Lock()
	sub := w.sub
	timer := w.timer
	w.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if timer != nil {
		timer.Stop()
	}
	w.registry.forget(w.id, "expect", outcome(err))
}

// attach records the subscription and timer once they exist. If the waiter
// already finished in between, they are released immediately.
func (w *Waiter) attach(sub *cdp.Subscription, timer *time.Timer) {
	w.mu.Lock()
	w.sub = sub
	w.timer = timer
	w.mu.Unlock()

	select {
	case <-w.result.done:
		sub.Unsubscribe()
		if timer != nil {
			timer.Stop()
		}
	default:
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "resolved"
	case errors.Is(err, ErrWaiterTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "gone"
	}
}
