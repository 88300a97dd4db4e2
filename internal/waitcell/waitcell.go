// Package waitcell provides a set-once, many-waiter value cell.
//
// It is the Go analogue of the Rust sandbox's WaitableCell<T>: a value
// that starts empty, is written exactly once, and can be awaited by any
// number of goroutines both before and after the write happens.
package waitcell

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAlreadySet is returned by Set when the cell already holds a value.
var ErrAlreadySet = errors.New("waitcell: value already set")

// Cell holds a value that is set at most once and can be waited on from
// any number of goroutines, including after the value has already been
// set.
type Cell[T any] struct {
	mu     sync.Mutex
	done   chan struct{}
	val    T
	isSet  bool
	closed bool
}

// New returns an empty Cell.
func New[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

// Set stores val in the cell and wakes every current and future waiter.
// Set returns an error if the cell already holds a value; the stored
// value is unchanged in that case.
func (c *Cell[T]) Set(val T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isSet {
		return ErrAlreadySet
	}
	c.val = val
	c.isSet = true
	c.closeLocked()
	return nil
}

func (c *Cell[T]) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// TryGet returns the value and true if the cell has been set, or the
// zero value and false otherwise. It never blocks.
func (c *Cell[T]) TryGet() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.isSet
}

// Wait blocks until the cell is set or ctx is done, returning the value
// in the former case and ctx.Err() in the latter.
func (c *Cell[T]) Wait(ctx context.Context) (T, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		v, _ := c.TryGet()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout blocks until the cell is set or d elapses. A zero duration
// collapses to a non-blocking TryGet, mirroring the cancellation rule
// that a zero timeout never suspends the caller.
func (c *Cell[T]) WaitTimeout(d time.Duration) (T, bool) {
	if d <= 0 {
		return c.TryGet()
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	v, err := c.Wait(ctx)
	return v, err == nil
}

// Guard sets the cell from a fallback function if the cell is still
// unset when the guard is closed. It is the Go analogue of the Rust
// SetGuardWith drop guard: defer guard.Close() around a fallible
// operation to guarantee the cell is always populated, even on an early
// return or panic.
type Guard[T any] struct {
	cell     *Cell[T]
	fn       func() T
	disarmed bool
}

// SetGuardWith returns a Guard that, unless the cell has already been
// set by the time Close is called, stores fn()'s result.
func (c *Cell[T]) SetGuardWith(fn func() T) *Guard[T] {
	return &Guard[T]{cell: c, fn: fn}
}

// Close runs the fallback and sets the cell if it is still empty and the
// guard has not been disarmed. A panic inside fn is never allowed to
// leave the cell unset: it is recovered, logged via the fatal hook, and
// the process is terminated, matching the Rust guard's
// abort-on-panic-during-drop behavior.
func (c *Guard[T]) Close() {
	if c.disarmed {
		return
	}
	if _, set := c.cell.TryGet(); set {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Fatal("waitcell: guard fallback panicked, cell would be left unset")
		}
	}()
	_ = c.cell.Set(c.fn())
}

// Disarm marks the guard as no longer needing to run its fallback,
// typically because the caller already set the cell through the normal
// path and only wants the guard for the error path.
func (c *Guard[T]) Disarm() {
	c.disarmed = true
}
