package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

const waitFor = 3 * time.Second

// recorder captures every tick emitted by a poll.
type recorder[T any] struct {
	ch chan Tick[T]
}

func record[T any](p *Poll[T]) *recorder[T] {
	r := &recorder[T]{ch: make(chan Tick[T], 256)}
	p.OnTick(func(_ *Poll[T], t Tick[T]) { r.ch <- t })
	return r
}

func (r *recorder[T]) next(t *testing.T) Tick[T] {
	t.Helper()
	select {
	case tk := <-r.ch:
		return tk
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for tick")
		return Tick[T]{}
	}
}

func (r *recorder[T]) until(t *testing.T, phase Phase) Tick[T] {
	t.Helper()
	for {
		tk := r.next(t)
		if tk.Phase == phase {
			return tk
		}
	}
}

// gate returns a Ready func that blocks until release is called.
func gate() (func(context.Context) error, func()) {
	ch := make(chan struct{})
	var once sync.Once
	return func(ctx context.Context) error {
			select {
			case <-ch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func() {
			once.Do(func() { close(ch) })
		}
}

func TestNewRejectsInvalidFrequency(t *testing.T) {
	t.Parallel()
	_, err := New(func(context.Context, Tick[int]) (int, error) { return 0, nil }, Options{
		Frequency: Frequency{Interval: time.Second, Min: 2 * time.Second, Max: 10 * time.Second},
	})
	if !errors.Is(err, ErrInvalidFrequency) {
		t.Fatalf("New() error = %v, want ErrInvalidFrequency", err)
	}
	if _, err := New[int](nil, Options{}); !errors.Is(err, ErrNilFactory) {
		t.Fatalf("New(nil) error = %v, want ErrNilFactory", err)
	}
}

func TestPollResolvesAndRepeats(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	var calls atomic.Int32
	p, err := New(func(context.Context, Tick[int]) (int, error) {
		return int(calls.Add(1)), nil
	}, Options{
		Frequency: Frequency{Interval: 10 * time.Millisecond, Min: 5 * time.Millisecond, Max: 100 * time.Millisecond},
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()
	if got := p.Phase(); got != PhaseInstantiated {
		t.Fatalf("Phase = %s, want %s", got, PhaseInstantiated)
	}

	rec := record(p)
	release()

	first := rec.next(t)
	if first.Phase != PhaseInstantiatedResolved || first.Interval != Immediate {
		t.Fatalf("first tick = %s/%v, want %s/immediate", first.Phase, first.Interval, PhaseInstantiatedResolved)
	}
	r1 := rec.until(t, PhaseResolved)
	r2 := rec.until(t, PhaseResolved)
	if r1.Payload != 1 || r2.Payload != 2 {
		t.Fatalf("payloads = %d, %d; want 1, 2", r1.Payload, r2.Payload)
	}
	if r1.Interval != 10*time.Millisecond {
		t.Fatalf("interval = %v, want 10ms", r1.Interval)
	}
	if !r2.Timestamp.After(r1.Timestamp) {
		t.Fatalf("ticks not ordered by timestamp")
	}
}

func TestPollBackoffDoublesUntilMax(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	p, err := New(func(context.Context, Tick[int]) (int, error) {
		return 0, errBoom
	}, Options{
		Frequency: Frequency{Interval: 10 * time.Millisecond, Min: 5 * time.Millisecond, Max: 100 * time.Millisecond},
		Standby:   StandbyNever,
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()
	rec := record(p)
	release()

	want := []time.Duration{10, 20, 40, 80, 100, 100}
	for i, w := range want {
		tk := rec.until(t, PhaseRejected)
		if tk.Interval != w*time.Millisecond {
			t.Fatalf("rejection %d: interval = %v, want %v", i+1, tk.Interval, w*time.Millisecond)
		}
		if !errors.Is(tk.Err, errBoom) {
			t.Fatalf("rejection %d: err = %v, want errBoom", i+1, tk.Err)
		}
	}
}

func TestPollReconnectsAfterRejection(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	var calls atomic.Int32
	p, err := New(func(context.Context, Tick[string]) (string, error) {
		if calls.Add(1) == 1 {
			return "", errBoom
		}
		return "ok", nil
	}, Options{
		Frequency: Frequency{Interval: 10 * time.Millisecond, Min: 5 * time.Millisecond, Max: 100 * time.Millisecond},
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()
	rec := record(p)
	release()

	rec.until(t, PhaseRejected)
	tk := rec.next(t)
	if tk.Phase != PhaseReconnected || tk.Payload != "ok" {
		t.Fatalf("tick after rejection = %s/%q, want reconnected/ok", tk.Phase, tk.Payload)
	}
	tk = rec.next(t)
	if tk.Phase != PhaseResolved {
		t.Fatalf("second success phase = %s, want resolved", tk.Phase)
	}
}

func TestPollDiscardsStaleResult(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})
	slowDone := make(chan struct{})
	var calls atomic.Int32

	p, err := New(func(context.Context, Tick[string]) (string, error) {
		if calls.Add(1) == 1 {
			defer close(slowDone)
			close(slowStarted)
			<-releaseSlow
			return "slow", nil
		}
		return "fast", nil
	}, Options{
		Frequency: Frequency{Interval: time.Hour},
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()
	rec := record(p)
	release()

	<-slowStarted
	p.Refresh()
	rec.until(t, PhaseRefreshed)
	fast := rec.until(t, PhaseResolved)
	if fast.Payload != "fast" {
		t.Fatalf("payload = %q, want fast", fast.Payload)
	}

	close(releaseSlow)
	<-slowDone
	// complete() runs right after the factory returns.
	time.Sleep(50 * time.Millisecond)

	st := p.State()
	if st.Phase != PhaseResolved || st.Payload != "fast" {
		t.Fatalf("state = %s/%q, want resolved/fast (stale result applied)", st.Phase, st.Payload)
	}
	select {
	case tk := <-rec.ch:
		t.Fatalf("unexpected tick after stale completion: %s/%q", tk.Phase, tk.Payload)
	default:
	}
}

func TestPollStandbySkipsFactory(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	var hidden atomic.Bool
	hidden.Store(true)
	var calls atomic.Int32

	p, err := New(func(context.Context, Tick[int]) (int, error) {
		calls.Add(1)
		return 1, nil
	}, Options{
		Frequency: Frequency{Interval: 10 * time.Millisecond, Min: 5 * time.Millisecond, Max: 100 * time.Millisecond},
		Standby:   StandbyWhenHidden,
		Hidden:    hidden.Load,
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()
	rec := record(p)
	release()

	rec.until(t, PhaseStandby)
	rec.until(t, PhaseStandby)
	if n := calls.Load(); n != 0 {
		t.Fatalf("factory called %d times during standby", n)
	}

	hidden.Store(false)
	rec.until(t, PhaseResolved)
	if calls.Load() == 0 {
		t.Fatalf("factory not called after leaving standby")
	}
}

func TestPollStandbyNeverIgnoresHidden(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	p, err := New(func(context.Context, Tick[int]) (int, error) { return 7, nil }, Options{
		Frequency: Frequency{Interval: time.Hour},
		Standby:   StandbyNever,
		Hidden:    func() bool { return true },
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()
	rec := record(p)
	release()

	tk := rec.until(t, PhaseResolved)
	if tk.Payload != 7 {
		t.Fatalf("payload = %d, want 7", tk.Payload)
	}
}

func TestPollStopAndStart(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	var calls atomic.Int32
	p, err := New(func(context.Context, Tick[int]) (int, error) {
		return int(calls.Add(1)), nil
	}, Options{
		Frequency: Frequency{Interval: time.Hour},
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()
	rec := record(p)
	release()
	rec.until(t, PhaseResolved)

	// Start is a no-op while running.
	p.Start()
	p.Stop()
	tk := rec.next(t)
	if tk.Phase != PhaseStopped || tk.Interval != Never {
		t.Fatalf("tick = %s/%v, want stopped/never", tk.Phase, tk.Interval)
	}
	// Second Stop is canceled.
	p.Stop()
	select {
	case tk := <-rec.ch:
		t.Fatalf("unexpected tick %s after repeated Stop", tk.Phase)
	case <-time.After(20 * time.Millisecond):
	}

	p.Start()
	if tk := rec.next(t); tk.Phase != PhaseStarted {
		t.Fatalf("tick = %s, want started", tk.Phase)
	}
	tk = rec.until(t, PhaseResolved)
	if tk.Payload != 2 {
		t.Fatalf("payload = %d, want 2", tk.Payload)
	}
}

func TestPollRefreshQueuedBeforeReady(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	p, err := New(func(context.Context, Tick[int]) (int, error) { return 1, nil }, Options{
		Frequency: Frequency{Interval: time.Hour},
		Manual:    true,
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()
	rec := record(p)

	p.Refresh()
	if got := p.Phase(); got != PhaseInstantiated {
		t.Fatalf("Phase = %s before ready, want instantiated", got)
	}
	release()

	if tk := rec.next(t); tk.Phase != PhaseInstantiatedResolved || tk.Interval != Never {
		t.Fatalf("tick = %s/%v, want instantiated-resolved/never for manual poll", tk.Phase, tk.Interval)
	}
	if tk := rec.next(t); tk.Phase != PhaseRefreshed {
		t.Fatalf("tick = %s, want refreshed", tk.Phase)
	}
	rec.until(t, PhaseResolved)
}

func TestPollReadyRejectionStillStarts(t *testing.T) {
	t.Parallel()
	start := make(chan struct{})
	p, err := New(func(context.Context, Tick[int]) (int, error) { return 3, nil }, Options{
		Frequency: Frequency{Interval: time.Hour},
		Ready: func(context.Context) error {
			<-start
			return errBoom
		},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()
	rec := record(p)
	close(start)

	if tk := rec.next(t); tk.Phase != PhaseInstantiatedRejected {
		t.Fatalf("tick = %s, want instantiated-rejected", tk.Phase)
	}
	if tk := rec.until(t, PhaseResolved); tk.Payload != 3 {
		t.Fatalf("payload = %d, want 3", tk.Payload)
	}
}

func TestPollTickAwait(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	proceed := make(chan struct{})
	p, err := New(func(context.Context, Tick[int]) (int, error) {
		<-proceed
		return 5, nil
	}, Options{
		Frequency: Frequency{Interval: time.Hour},
		Manual:    true,
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	got := make(chan Tick[int], 1)
	go func() {
		tk, err := p.Tick(ctx)
		if err != nil {
			t.Errorf("Tick() error: %v", err)
		}
		got <- tk
	}()
	time.Sleep(20 * time.Millisecond)
	release()
	if tk := <-got; tk.Phase != PhaseInstantiatedResolved {
		t.Fatalf("Tick() = %s, want instantiated-resolved", tk.Phase)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := p.Tick(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Tick() on idle manual poll error = %v, want deadline exceeded", err)
	}

	p.Refresh()
	time.AfterFunc(20*time.Millisecond, func() { close(proceed) })
	tk, err := p.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if tk.Phase != PhaseResolved || tk.Payload != 5 {
		t.Fatalf("Tick() = %s/%d, want resolved/5", tk.Phase, tk.Payload)
	}
}

func TestPollDisposeIsIdempotent(t *testing.T) {
	t.Parallel()
	p, err := New(func(context.Context, Tick[int]) (int, error) { return 0, nil }, Options{
		Frequency: Frequency{Interval: time.Hour},
		Manual:    true,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Tick(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)

	p.Dispose()
	p.Dispose()
	wg.Wait()
	close(errs)
	n := 0
	for err := range errs {
		n++
		if !errors.Is(err, ErrDisposed) {
			t.Fatalf("Tick() error = %v, want ErrDisposed", err)
		}
	}
	if n != 3 {
		t.Fatalf("got %d waiter results, want 3", n)
	}

	select {
	case <-p.Disposed():
	default:
		t.Fatalf("Disposed() not closed")
	}
	if p.Phase() != PhaseDisposed || !p.IsDisposed() {
		t.Fatalf("Phase = %s, want disposed", p.Phase())
	}
	if _, err := p.Tick(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Tick() after dispose error = %v, want ErrDisposed", err)
	}
	p.Refresh()
	if p.Phase() != PhaseDisposed {
		t.Fatalf("Refresh revived a disposed poll")
	}
	if err := p.SetFrequency(Frequency{Interval: time.Second}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("SetFrequency() after dispose error = %v, want ErrDisposed", err)
	}
}

func TestPollFactoryPanicBecomesRejection(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	p, err := New(func(context.Context, Tick[int]) (int, error) { panic("kaboom") }, Options{
		Frequency: Frequency{Interval: time.Hour},
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()
	rec := record(p)
	release()

	tk := rec.until(t, PhaseRejected)
	var pe *PanicError
	if !errors.As(tk.Err, &pe) {
		t.Fatalf("err = %v, want *PanicError", tk.Err)
	}
}

func TestPollSetFrequency(t *testing.T) {
	t.Parallel()
	p, err := New(func(context.Context, Tick[int]) (int, error) { return 0, nil }, Options{
		Frequency: Frequency{Interval: time.Hour},
		Manual:    true,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()

	if err := p.SetFrequency(Frequency{Interval: time.Second, Min: time.Minute}); !errors.Is(err, ErrInvalidFrequency) {
		t.Fatalf("SetFrequency() error = %v, want ErrInvalidFrequency", err)
	}
	if got := p.Frequency().Interval; got != time.Hour {
		t.Fatalf("Interval = %v after rejected override, want 1h", got)
	}
	if err := p.SetFrequency(Frequency{Interval: 2 * time.Second, Jitter: DefaultJitter}); err != nil {
		t.Fatalf("SetFrequency() error: %v", err)
	}
	f := p.Frequency()
	if f.Interval != 2*time.Second || f.Max != 20*time.Second || f.Jitter != DefaultJitter {
		t.Fatalf("Frequency = %+v, want interval 2s, max 20s, jitter %.2f", f, DefaultJitter)
	}
}

func TestPollObserverMayReenter(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	p, err := New(func(context.Context, Tick[int]) (int, error) { return 1, nil }, Options{
		Frequency: Frequency{Interval: time.Hour},
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()

	var once sync.Once
	p.OnTick(func(pp *Poll[int], tk Tick[int]) {
		if tk.Phase == PhaseResolved {
			once.Do(pp.Stop)
		}
	})
	rec := record(p)
	release()

	rec.until(t, PhaseResolved)
	if tk := rec.next(t); tk.Phase != PhaseStopped {
		t.Fatalf("tick = %s, want stopped", tk.Phase)
	}
}

func TestPollObserversRunInSubscriptionOrder(t *testing.T) {
	t.Parallel()
	ready, release := gate()
	p, err := New(func(context.Context, Tick[int]) (int, error) { return 1, nil }, Options{
		Frequency: Frequency{Interval: time.Hour},
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Dispose()

	var mu sync.Mutex
	var order []int
	unsub := make([]func(), 8)
	for i := range unsub {
		unsub[i] = p.OnTick(func(_ *Poll[int], tk Tick[int]) {
			if tk.Phase != PhaseResolved {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	unsub[3]()
	rec := record(p)
	release()
	rec.until(t, PhaseResolved)

	mu.Lock()
	defer mu.Unlock()
	want := []int{0, 1, 2, 4, 5, 6, 7}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
