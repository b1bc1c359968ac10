package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the build state of a cache entry.
type State uint32

const (
	// StateInProgress is the initial state and the only non-terminal one.
	StateInProgress State = iota
	// StateDone means the value is built and usable.
	StateDone
	// StateFailed means the build failed; the entry holds a *BuildError.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in_progress"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Done or Failed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Result is a single cache entry: a value that may not be built yet.
//
// The state moves out of StateInProgress exactly once, through
// PublishSuccess or PublishFailure, and never returns. The transition
// happens under the entry mutex and wakes every waiter on the entry's
// condition variable. The state is also stored atomically so readers that
// are not waiting can check readiness without locking.
//
// The zero value is an in-progress entry ready for use.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Context: Wait blocks without a deadline; it cannot be cancelled.
// - Errors: publishing twice returns ErrInvariantViolation.
type Result[T any] struct {
	state atomic.Uint32

	mu   sync.Mutex
	cond sync.Cond

	// value and err are written once, before state leaves InProgress.
	value T
	err   *BuildError
}

// NewResult returns an entry in StateInProgress.
func NewResult[T any]() *Result[T] {
	return &Result[T]{}
}

// State returns the current state without locking.
func (r *Result[T]) State() State {
	return State(r.state.Load())
}

// Ready reports whether the value is built and usable.
func (r *Result[T]) Ready() bool {
	return r.State() == StateDone
}

// Peek returns the entry's outcome without blocking. done is false while
// the build is in progress.
func (r *Result[T]) Peek() (value T, done bool, err error) {
	switch r.State() {
	case StateDone:
		return r.value, true, nil
	case StateFailed:
		return value, true, r.failure()
	default:
		return value, false, nil
	}
}

// Value returns the built value, the replayed *BuildError, or
// ErrBuildInProgress if the entry is not terminal yet.
func (r *Result[T]) Value() (T, error) {
	v, done, err := r.Peek()
	if !done {
		return v, ErrBuildInProgress
	}
	return v, err
}

// WaitUntil blocks until pred holds for the entry's state. The predicate
// is evaluated under the entry mutex and re-checked after every wakeup.
func (r *Result[T]) WaitUntil(pred func(State) bool) {
	r.mu.Lock()
	if r.cond.L == nil {
		r.cond.L = &r.mu
	}
	for !pred(r.State()) {
		r.cond.Wait()
	}
	r.mu.Unlock()
}

// Wait blocks until the entry is terminal and returns its outcome. It
// returns immediately if the entry was published before the call.
func (r *Result[T]) Wait() (T, error) {
	r.WaitUntil(State.Terminal)
	return r.Value()
}

// PublishSuccess stores v, marks the entry Done and wakes all waiters.
func (r *Result[T]) PublishSuccess(v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.State(); s != StateInProgress {
		return fmt.Errorf("%w: publish success on %s entry", ErrInvariantViolation, s)
	}
	r.value = v
	r.state.Store(uint32(StateDone))
	r.cond.Broadcast()
	return nil
}

// PublishFailure records err, marks the entry Failed and wakes all
// waiters. A nil or empty err is recorded as an unspecified failure.
func (r *Result[T]) PublishFailure(err *BuildError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s := r.State(); s != StateInProgress {
		return fmt.Errorf("%w: publish failure on %s entry", ErrInvariantViolation, s)
	}
	if err == nil {
		r.err = toBuildError(nil)
	} else {
		r.err = toBuildError(err)
	}
	r.state.Store(uint32(StateFailed))
	r.cond.Broadcast()
	return nil
}

// failure returns a copy of the stored error so callers cannot mutate the
// entry.
func (r *Result[T]) failure() *BuildError {
	e := *r.err
	return &e
}
