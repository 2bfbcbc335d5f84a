package ratelimit

import (
	"time"

	"pollkit/internal/poll"
)

// Edge selects when a throttled invocation executes.
type Edge string

const (
	// EdgeLeading executes as soon as the previous execution is at least
	// Limit old, keeping the argument of the first invocation in the window.
	EdgeLeading Edge = "leading"

	// EdgeTrailing executes Limit after the first invocation of a window,
	// keeping the argument of the latest invocation.
	EdgeTrailing Edge = "trailing"
)

// Throttler coalesces invocations while one is pending. Repeated calls never
// push the scheduled execution back.
type Throttler[T, A any] struct {
	*limiter[T, A]
	edge Edge
}

func NewThrottler[T, A any](fn Func[T, A], opts Options) (*Throttler[T, A], error) {
	opts = opts.withDefaults()
	l, err := newLimiter(fn, opts)
	if err != nil {
		return nil, err
	}
	return &Throttler[T, A]{limiter: l, edge: opts.Edge}, nil
}

func (t *Throttler[T, A]) Edge() Edge { return t.edge }

// Invoke schedules an execution unless one is already pending or running,
// and returns the outcome of the next execution. Only the call that claims
// the execution stores its argument; in trailing mode later calls replace it
// until the execution starts.
func (t *Throttler[T, A]) Invoke(arg A) *Outcome[T] {
	t.mu.Lock()
	o := t.outcome
	if t.disposed {
		t.mu.Unlock()
		return o
	}
	if t.claimed {
		if t.edge == EdgeTrailing && !t.started {
			t.arg = arg
		}
		t.mu.Unlock()
		return o
	}
	t.claimed = true
	t.started = false
	t.arg = arg
	interval := t.limit
	if t.edge == EdgeLeading {
		interval = max(t.limit-time.Since(t.lastRun), poll.Immediate)
	}
	t.mu.Unlock()

	t.poll.Schedule(poll.Next[T]{Interval: interval, Phase: poll.PhaseInvoked})
	return o
}
