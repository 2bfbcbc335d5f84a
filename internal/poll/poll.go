package poll

import (
	"context"
	"errors"
	"math/rand"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "pollkit/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Poll repeatedly executes a factory on a schedule.
//
// All state (current tick, outstanding settlement, timer, generation) is owned
// by mu and changed only by transition. Factory calls run on timer goroutines
// without the lock, so Refresh/Stop/Dispose stay responsive while a slow call
// is in flight. A result is applied only if the generation that started the
// call is still current.
type Poll[T any] struct {
	name    string
	factory Factory[T]
	ctx     context.Context
	log     logx.Logger
	standby Standby
	hidden  func() bool
	manual  bool
	warn    *rate.Limiter

	mu          sync.Mutex
	freq        Frequency
	state       Tick[T]
	gen         uint64
	outstanding *pending[T]
	timer       *time.Timer
	rng         *rand.Rand
	ready       bool
	disposed    bool

	// Emission queue; ticks are delivered in transition order by whichever
	// goroutine finds emitting == false.
	emitQueue []Tick[T]
	emitting  bool

	obsMu  sync.Mutex
	obs    []observer[T]
	obsSeq uint64

	disposedCh chan struct{}
}

// pending is a single-assignment settlement for "the next tick".
type pending[T any] struct {
	done chan struct{}
	tick Tick[T]
	err  error
}

func newPending[T any]() *pending[T] { return &pending[T]{done: make(chan struct{})} }

// New creates a poll in the instantiated phase.
//
// An invalid frequency is reported here and nowhere else. When opts.Ready is
// nil the poll becomes ready before New returns.
func New[T any](factory Factory[T], opts Options) (*Poll[T], error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	opts = opts.withDefaults()
	if err := opts.Frequency.Validate(); err != nil {
		return nil, err
	}

	p := &Poll[T]{
		name:        opts.Name,
		factory:     factory,
		ctx:         opts.Context,
		log:         opts.Logger.With(logx.String("poll", opts.Name)),
		standby:     opts.Standby,
		hidden:      opts.Hidden,
		manual:      opts.Manual,
		warn:        rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
		freq:        opts.Frequency,
		state:       Tick[T]{Phase: PhaseInstantiated, Interval: Never, Timestamp: time.Now()},
		outstanding: newPending[T](),
		rng:         opts.Rand,
		disposedCh:  make(chan struct{}),
	}

	if opts.Ready == nil {
		p.becomeReady(nil)
	} else {
		ready := opts.Ready
		go func() {
			p.becomeReady(p.runReady(ready))
		}()
	}
	return p, nil
}

func (p *Poll[T]) runReady(ready func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return ready(p.ctx)
}

func (p *Poll[T]) becomeReady(err error) {
	phase := PhaseInstantiatedResolved
	if err != nil {
		phase = PhaseInstantiatedRejected
		p.log.Warn("poll started despite readiness failure", logx.Err(err))
	}
	interval := Immediate
	if p.manual {
		interval = Never
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.ready = true
	p.transitionLocked(Next[T]{Interval: interval, Phase: phase})
	p.mu.Unlock()
	p.drain()
}

func (p *Poll[T]) Name() string { return p.name }

// State returns the current tick.
func (p *Poll[T]) State() Tick[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poll[T]) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Phase
}

func (p *Poll[T]) Frequency() Frequency {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freq
}

func (p *Poll[T]) IsDisposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// Disposed is closed exactly once, when the poll is disposed.
func (p *Poll[T]) Disposed() <-chan struct{} { return p.disposedCh }

// SetFrequency replaces the frequency used by subsequent scheduling decisions.
func (p *Poll[T]) SetFrequency(f Frequency) error {
	f = f.WithDefaults()
	if err := f.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return ErrDisposed
	}
	p.freq = f
	return nil
}

// Tick waits until the outstanding tick settles and returns the tick that
// superseded it. Once the poll is disposed it returns ErrDisposed without blocking.
func (p *Poll[T]) Tick(ctx context.Context) (Tick[T], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	out := p.outstanding
	p.mu.Unlock()

	select {
	case <-out.done:
		return out.tick, out.err
	case <-ctx.Done():
		return Tick[T]{}, ctx.Err()
	}
}

type observer[T any] struct {
	id uint64
	fn func(*Poll[T], Tick[T])
}

// OnTick registers fn to be called after every transition, in transition order.
// Observers run in subscription order.
// fn may call back into the poll. The returned func unsubscribes.
func (p *Poll[T]) OnTick(fn func(*Poll[T], Tick[T])) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	p.obsMu.Lock()
	p.obsSeq++
	id := p.obsSeq
	p.obs = append(p.obs, observer[T]{id: id, fn: fn})
	p.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.obsMu.Lock()
			p.obs = slices.DeleteFunc(p.obs, func(o observer[T]) bool { return o.id == id })
			p.obsMu.Unlock()
		})
	}
}

// Refresh schedules an immediate execution unless one is already pending as a refresh.
func (p *Poll[T]) Refresh() {
	p.Schedule(Next[T]{
		Interval: Immediate,
		Phase:    PhaseRefreshed,
		Cancel:   func(cur Tick[T]) bool { return cur.Phase == PhaseRefreshed },
	})
}

// Start resumes a stopped or standby poll with an immediate execution.
// It is a no-op for polls that are already running.
func (p *Poll[T]) Start() {
	p.Schedule(Next[T]{
		Interval: Immediate,
		Phase:    PhaseStarted,
		Cancel: func(cur Tick[T]) bool {
			switch cur.Phase {
			case PhaseStandby, PhaseStopped:
				return false
			case PhaseInstantiatedResolved, PhaseInstantiatedRejected:
				// Only manual polls park here with no timer.
				return cur.Interval != Never
			default:
				return true
			}
		},
	})
}

// Stop halts automatic execution without disposing the poll.
func (p *Poll[T]) Stop() {
	p.Schedule(Next[T]{
		Interval: Never,
		Phase:    PhaseStopped,
		Cancel:   func(cur Tick[T]) bool { return cur.Phase == PhaseStopped },
	})
}

// Schedule requests a transition. Before the poll is ready the request is
// queued and applied once readiness settles. It never blocks.
func (p *Poll[T]) Schedule(next Next[T]) {
	if next.Interval < 0 {
		next.Interval = Immediate
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	if !p.ready {
		out := p.outstanding
		p.mu.Unlock()
		go func() {
			<-out.done
			if out.err != nil {
				return
			}
			p.Schedule(next)
		}()
		return
	}
	if next.Cancel != nil && next.Cancel(p.state) {
		p.mu.Unlock()
		return
	}
	p.transitionLocked(next)
	p.mu.Unlock()
	p.drain()
}

// Dispose stops the poll permanently. Pending Tick waiters receive ErrDisposed.
// Calling Dispose more than once is a no-op.
func (p *Poll[T]) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.state = Tick[T]{Phase: PhaseDisposed, Interval: Never, Timestamp: time.Now()}
	out := p.outstanding
	out.tick = p.state
	out.err = ErrDisposed
	close(out.done)
	p.emitQueue = nil
	close(p.disposedCh)
	p.mu.Unlock()

	p.obsMu.Lock()
	p.obs = nil
	p.obsMu.Unlock()

	p.log.Debug("poll disposed")
}

// transitionLocked installs next as the current tick. Caller holds mu and must
// call drain after unlocking.
func (p *Poll[T]) transitionLocked(next Next[T]) {
	tick := Tick[T]{
		Phase:     next.Phase,
		Interval:  next.Interval,
		Payload:   next.Payload,
		Err:       next.Err,
		Timestamp: time.Now(),
	}

	p.gen++
	gen := p.gen
	prev := p.outstanding
	p.state = tick
	p.outstanding = newPending[T]()

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	prev.tick = tick
	close(prev.done)

	if tick.Interval != Never {
		p.timer = time.AfterFunc(tick.Interval, func() { p.execute(gen) })
	}
	p.emitQueue = append(p.emitQueue, tick)

	p.log.Debug("poll.tick", logx.String("phase", string(tick.Phase)), logx.String("interval", fmtInterval(tick.Interval)))
}

func (p *Poll[T]) drain() {
	p.mu.Lock()
	if p.emitting {
		p.mu.Unlock()
		return
	}
	p.emitting = true
	for len(p.emitQueue) > 0 {
		tick := p.emitQueue[0]
		p.emitQueue[0] = Tick[T]{}
		p.emitQueue = p.emitQueue[1:]
		p.mu.Unlock()
		p.notify(tick)
		p.mu.Lock()
	}
	p.emitting = false
	p.mu.Unlock()
}

func (p *Poll[T]) notify(tick Tick[T]) {
	p.obsMu.Lock()
	obs := slices.Clone(p.obs)
	p.obsMu.Unlock()

	for _, o := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("poll observer panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			o.fn(p, tick)
		}()
	}
}

// execute runs when the timer armed by generation gen fires.
func (p *Poll[T]) execute(gen uint64) {
	p.mu.Lock()
	if p.disposed || gen != p.gen {
		p.mu.Unlock()
		return
	}
	state := p.state
	p.mu.Unlock()

	if p.standby == StandbyWhenHidden && p.hidden != nil && p.hidden() {
		p.mu.Lock()
		if p.disposed || gen != p.gen {
			p.mu.Unlock()
			return
		}
		interval := NextInterval(p.freq.Interval, p.freq.Jitter, p.freq.Min, p.freq.Max, p.rng)
		p.transitionLocked(Next[T]{Interval: interval, Phase: PhaseStandby})
		p.mu.Unlock()
		p.drain()
		return
	}

	started := time.Now()
	payload, err := p.call(state)
	p.complete(gen, payload, err, time.Since(started))
}

func (p *Poll[T]) call(state Tick[T]) (payload T, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = &PanicError{Value: r, Stack: stack}
			p.log.Error("poll factory panicked", logx.Any("panic", r), logx.Stack(stack))
		}
	}()
	return p.factory(p.ctx, state)
}

func (p *Poll[T]) complete(gen uint64, payload T, err error, took time.Duration) {
	p.mu.Lock()
	if p.disposed || gen != p.gen {
		p.mu.Unlock()
		p.log.Debug("stale poll result discarded", logx.Duration("took", took))
		return
	}

	var next Next[T]
	if err != nil {
		base := backoffBase(p.state.Phase, p.state.Interval, p.freq)
		next = Next[T]{
			Interval: NextInterval(base, p.freq.Jitter, p.freq.Min, p.freq.Max, p.rng),
			Phase:    PhaseRejected,
			Err:      err,
		}
	} else {
		phase := PhaseResolved
		if p.state.Phase == PhaseRejected {
			phase = PhaseReconnected
		}
		next = Next[T]{
			Interval: NextInterval(p.freq.Interval, p.freq.Jitter, p.freq.Min, p.freq.Max, p.rng),
			Phase:    phase,
			Payload:  payload,
		}
	}
	p.transitionLocked(next)
	p.mu.Unlock()
	p.drain()

	if err == nil {
		return
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return
	}
	if p.warn.Allow() {
		p.log.Warn("poll.rejected", logx.Err(err), logx.String("retry_in", fmtInterval(next.Interval)), logx.Duration("took", took))
	} else {
		p.log.Debug("poll.rejected", logx.Err(err), logx.String("retry_in", fmtInterval(next.Interval)))
	}
}
