package ratelimit

import (
	"context"
	"sync"
)

// Outcome is the eventual result of the next execution of a rate-limited
// function. Several invocations may share one Outcome.
type Outcome[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newOutcome[T any]() *Outcome[T] { return &Outcome[T]{done: make(chan struct{})} }

func rejectedOutcome[T any](err error) *Outcome[T] {
	o := newOutcome[T]()
	var zero T
	o.settle(zero, err)
	return o
}

func (o *Outcome[T]) settle(v T, err error) {
	o.once.Do(func() {
		o.val = v
		o.err = err
		close(o.done)
	})
}

// Done is closed once the outcome is settled.
func (o *Outcome[T]) Done() <-chan struct{} { return o.done }

// Wait blocks until the outcome settles or ctx is done.
func (o *Outcome[T]) Wait(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-o.done:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
