package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pollkit/internal/poll"
)

type callLog struct {
	mu    sync.Mutex
	calls []int
}

func (c *callLog) fn(_ context.Context, arg int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, arg)
	return arg * 10, nil
}

func (c *callLog) snapshot() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.calls...)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	t.Parallel()

	var log callLog
	d, err := NewDebouncer(log.fn, Options{Limit: 60 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Dispose()

	var outs []*Outcome[int]
	for i := 1; i <= 5; i++ {
		outs = append(outs, d.Invoke(i))
		time.Sleep(5 * time.Millisecond)
	}

	for i, o := range outs {
		v, err := o.Wait(waitCtx(t))
		if err != nil {
			t.Fatalf("outcome %d: %v", i, err)
		}
		if v != 50 {
			t.Fatalf("outcome %d = %d, want 50", i, v)
		}
	}
	if got := log.snapshot(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("calls = %v, want [5]", got)
	}
}

func TestDebouncerDelayRestartsOnEachInvoke(t *testing.T) {
	t.Parallel()

	var log callLog
	d, err := NewDebouncer(log.fn, Options{Limit: 300 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Dispose()

	start := time.Now()
	d.Invoke(1)
	time.Sleep(100 * time.Millisecond)
	d.Invoke(2)
	time.Sleep(100 * time.Millisecond)
	o := d.Invoke(3)

	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 480*time.Millisecond {
		t.Fatalf("executed after %s, want >= ~500ms", elapsed)
	}
	if got := log.snapshot(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("calls = %v, want [3]", got)
	}
}

func TestDebouncerRejectionSettlesOutcome(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	d, err := NewDebouncer(func(context.Context, struct{}) (int, error) { return 0, boom }, Options{Limit: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Dispose()

	first := d.Invoke(struct{}{})
	if _, err := first.Wait(waitCtx(t)); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	second := d.Invoke(struct{}{})
	if second == first {
		t.Fatal("settled outcome was reused")
	}
	if _, err := second.Wait(waitCtx(t)); !errors.Is(err, boom) {
		t.Fatalf("second err = %v, want boom", err)
	}
}

func TestThrottlerCoalescesWhilePending(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		edge    Edge
		wantArg int
	}{
		{name: "leading keeps first", edge: EdgeLeading, wantArg: 1},
		{name: "trailing keeps latest", edge: EdgeTrailing, wantArg: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var log callLog
			release := make(chan struct{})
			fn := func(ctx context.Context, arg int) (int, error) {
				<-release
				return log.fn(ctx, arg)
			}
			th, err := NewThrottler(fn, Options{Limit: 50 * time.Millisecond, Edge: tt.edge})
			if err != nil {
				t.Fatal(err)
			}
			defer th.Dispose()

			// The first execution stays in flight until every call is made.
			var outs []*Outcome[int]
			for i := 1; i <= 10; i++ {
				outs = append(outs, th.Invoke(i))
			}
			close(release)

			for i, o := range outs {
				if o != outs[0] {
					t.Fatalf("outcome %d differs from the first", i)
				}
			}
			v, err := outs[0].Wait(waitCtx(t))
			if err != nil {
				t.Fatal(err)
			}
			if v != tt.wantArg*10 {
				t.Fatalf("value = %d, want %d", v, tt.wantArg*10)
			}
			time.Sleep(80 * time.Millisecond)
			if got := log.snapshot(); len(got) != 1 || got[0] != tt.wantArg {
				t.Fatalf("calls = %v, want [%d]", got, tt.wantArg)
			}
		})
	}
}

func TestThrottlerConcurrentInvokesClaimOnce(t *testing.T) {
	t.Parallel()

	var log callLog
	release := make(chan struct{})
	th, err := NewThrottler(func(ctx context.Context, arg int) (int, error) {
		<-release
		return log.fn(ctx, arg)
	}, Options{Limit: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer th.Dispose()

	const n = 32
	outs := make([]*Outcome[int], n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i] = th.Invoke(i + 1)
		}()
	}
	wg.Wait()

	th.mu.Lock()
	claimedArg := th.arg
	th.mu.Unlock()
	close(release)

	for i, o := range outs {
		if o != outs[0] {
			t.Fatalf("outcome %d differs from the first", i)
		}
	}
	v, err := outs[0].Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if v != claimedArg*10 {
		t.Fatalf("value = %d, want %d", v, claimedArg*10)
	}
	time.Sleep(80 * time.Millisecond)
	if got := log.snapshot(); len(got) != 1 || got[0] != claimedArg {
		t.Fatalf("calls = %v, want [%d]", got, claimedArg)
	}

	// The settled execution releases the claim.
	v, err = th.Invoke(100).Wait(waitCtx(t))
	if err != nil || v != 1000 {
		t.Fatalf("Wait = %d, %v; want 1000, nil", v, err)
	}
}

func TestThrottlerTrailingKeepsArgumentOnceRunning(t *testing.T) {
	t.Parallel()

	var log callLog
	running := make(chan struct{})
	release := make(chan struct{})
	th, err := NewThrottler(func(ctx context.Context, arg int) (int, error) {
		close(running)
		<-release
		return log.fn(ctx, arg)
	}, Options{Limit: 20 * time.Millisecond, Edge: EdgeTrailing})
	if err != nil {
		t.Fatal(err)
	}
	defer th.Dispose()

	first := th.Invoke(1)
	<-running
	if late := th.Invoke(99); late != first {
		t.Fatal("invocation during execution got a new outcome")
	}
	th.mu.Lock()
	arg := th.arg
	th.mu.Unlock()
	if arg != 1 {
		t.Fatalf("arg = %d after execution started, want 1", arg)
	}
	close(release)

	v, err := first.Wait(waitCtx(t))
	if err != nil || v != 10 {
		t.Fatalf("Wait = %d, %v; want 10, nil", v, err)
	}
}

func TestThrottlerLeadingHonoursCooldown(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	th, err := NewThrottler(func(context.Context, int) (int, error) {
		return int(n.Add(1)), nil
	}, Options{Limit: 150 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer th.Dispose()

	start := time.Now()
	if _, err := th.Invoke(0).Wait(waitCtx(t)); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("first leading execution took %s", elapsed)
	}

	v, err := th.Invoke(0).Wait(waitCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("value = %d, want 2", v)
	}
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Fatalf("second execution after %s, want >= limit", elapsed)
	}
}

func TestStopLeavesOutcomePending(t *testing.T) {
	t.Parallel()

	var log callLog
	d, err := NewDebouncer(log.fn, Options{Limit: 40 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Dispose()

	o := d.Invoke(1)
	d.Stop()

	select {
	case <-o.Done():
		t.Fatal("outcome settled after Stop")
	case <-time.After(100 * time.Millisecond):
	}
	if got := log.snapshot(); len(got) != 0 {
		t.Fatalf("calls = %v, want none", got)
	}

	if again := d.Invoke(2); again != o {
		t.Fatal("Invoke after Stop returned a new outcome")
	}
	v, err := o.Wait(waitCtx(t))
	if err != nil || v != 20 {
		t.Fatalf("Wait = %d, %v; want 20, nil", v, err)
	}
}

func TestDisposeRejectsPendingOutcome(t *testing.T) {
	t.Parallel()

	var log callLog
	th, err := NewThrottler(log.fn, Options{Limit: time.Second, Edge: EdgeTrailing})
	if err != nil {
		t.Fatal(err)
	}

	o := th.Invoke(1)
	th.Dispose()
	th.Dispose()

	if _, err := o.Wait(waitCtx(t)); !errors.Is(err, poll.ErrDisposed) {
		t.Fatalf("err = %v, want ErrDisposed", err)
	}
	if !th.IsDisposed() {
		t.Fatal("IsDisposed = false")
	}

	late := th.Invoke(2)
	select {
	case <-late.Done():
	default:
		t.Fatal("Invoke after Dispose returned an unsettled outcome")
	}
	if _, err := late.Wait(context.Background()); !errors.Is(err, poll.ErrDisposed) {
		t.Fatalf("late err = %v, want ErrDisposed", err)
	}
	if got := log.snapshot(); len(got) != 0 {
		t.Fatalf("calls = %v, want none", got)
	}
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	th, err := NewThrottler(func(context.Context, int) (int, error) { return 0, nil }, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer th.Dispose()
	if th.Limit() != DefaultLimit {
		t.Fatalf("Limit = %s, want %s", th.Limit(), DefaultLimit)
	}
	if th.Edge() != EdgeLeading {
		t.Fatalf("Edge = %q, want leading", th.Edge())
	}
	if th.State().Phase != poll.PhaseInstantiatedResolved {
		t.Fatalf("phase = %s, want instantiated-resolved", th.State().Phase)
	}
}
