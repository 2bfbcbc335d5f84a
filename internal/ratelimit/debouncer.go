package ratelimit

import "pollkit/internal/poll"

// Debouncer delays execution until Limit has passed without another Invoke.
// Only the last invocation of a burst executes, with that invocation's argument.
type Debouncer[T, A any] struct {
	*limiter[T, A]
}

func NewDebouncer[T, A any](fn Func[T, A], opts Options) (*Debouncer[T, A], error) {
	l, err := newLimiter(fn, opts)
	if err != nil {
		return nil, err
	}
	return &Debouncer[T, A]{limiter: l}, nil
}

// Invoke (re)starts the debounce timer and returns the outcome of the next execution.
func (d *Debouncer[T, A]) Invoke(arg A) *Outcome[T] {
	d.mu.Lock()
	o := d.outcome
	if d.disposed {
		d.mu.Unlock()
		return o
	}
	d.arg = arg
	d.mu.Unlock()

	d.poll.Schedule(poll.Next[T]{Interval: d.limit, Phase: poll.PhaseInvoked})
	return o
}
