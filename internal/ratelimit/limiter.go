package ratelimit

import (
	"context"
	"sync"
	"time"

	"pollkit/internal/poll"
	logx "pollkit/pkg/logx"
)

// DefaultLimit is used when Options.Limit is zero.
const DefaultLimit = 500 * time.Millisecond

// Func is the rate-limited operation. It receives the argument retained by the
// limiter for this execution.
type Func[T, A any] func(ctx context.Context, arg A) (T, error)

// Options configures a Debouncer or Throttler.
type Options struct {
	Name string

	// Limit is the debounce delay or throttle window.
	Limit time.Duration

	// Edge only applies to throttlers. Defaults to EdgeLeading.
	Edge Edge

	// Context is handed to fn. Dispose does not cancel it.
	Context context.Context

	Logger logx.Logger
}

func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.Edge == "" {
		o.Edge = EdgeLeading
	}
	return o
}

// limiter is the shared core: one manual poll that never repeats on its own
// and a replaceable outcome settled from the poll's ticks.
type limiter[T, A any] struct {
	poll  *poll.Poll[T]
	limit time.Duration
	fn    Func[T, A]

	mu       sync.Mutex
	outcome  *Outcome[T]
	arg      A
	lastRun  time.Time
	disposed bool

	// claimed is set by the throttle invocation that scheduled the current
	// execution and cleared when it settles or is stopped. started is set
	// once the execution has read arg.
	claimed bool
	started bool
}

func newLimiter[T, A any](fn Func[T, A], opts Options) (*limiter[T, A], error) {
	opts = opts.withDefaults()
	l := &limiter[T, A]{
		limit:   opts.Limit,
		fn:      fn,
		outcome: newOutcome[T](),
	}
	p, err := poll.New(l.execute, poll.Options{
		Name:      opts.Name,
		Frequency: poll.Frequency{Interval: poll.Never, Max: poll.Never},
		Standby:   poll.StandbyNever,
		Manual:    true,
		Context:   opts.Context,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	l.poll = p
	p.OnTick(l.onTick)
	return l, nil
}

func (l *limiter[T, A]) execute(ctx context.Context, _ poll.Tick[T]) (T, error) {
	l.mu.Lock()
	arg := l.arg
	l.started = true
	l.lastRun = time.Now()
	l.mu.Unlock()
	return l.fn(ctx, arg)
}

// onTick installs a fresh outcome before settling the previous one, so a
// caller woken by the settlement never observes the old outcome again.
func (l *limiter[T, A]) onTick(_ *poll.Poll[T], tk poll.Tick[T]) {
	switch tk.Phase {
	case poll.PhaseResolved, poll.PhaseReconnected, poll.PhaseRejected:
	default:
		return
	}
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return
	}
	old := l.outcome
	l.outcome = newOutcome[T]()
	l.claimed = false
	l.mu.Unlock()

	if tk.Phase == poll.PhaseRejected {
		var zero T
		old.settle(zero, tk.Err)
		return
	}
	old.settle(tk.Payload, nil)
}

// Name returns the diagnostic label of the underlying poll.
func (l *limiter[T, A]) Name() string { return l.poll.Name() }

func (l *limiter[T, A]) Limit() time.Duration { return l.limit }

// State returns the current tick of the underlying poll.
func (l *limiter[T, A]) State() poll.Tick[T] { return l.poll.State() }

// Stop cancels a scheduled, not yet executed invocation. The pending outcome
// stays unsettled until a later invocation executes.
func (l *limiter[T, A]) Stop() {
	l.mu.Lock()
	l.claimed = false
	l.mu.Unlock()
	l.poll.Stop()
}

// IsDisposed reports whether Dispose has been called.
func (l *limiter[T, A]) IsDisposed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disposed
}

// Dispose disposes the underlying poll and rejects the pending outcome with
// poll.ErrDisposed. It is safe to call more than once.
func (l *limiter[T, A]) Dispose() {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return
	}
	l.disposed = true
	old := l.outcome
	l.outcome = rejectedOutcome[T](poll.ErrDisposed)
	l.mu.Unlock()

	l.poll.Dispose()
	var zero T
	old.settle(zero, poll.ErrDisposed)
}
