package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"pollkit/internal/config"
	"pollkit/internal/eventbus"
	"pollkit/internal/metrics"
	"pollkit/internal/poll"
	"pollkit/internal/probe"
	"pollkit/internal/ratelimit"
	"pollkit/internal/scheduler"
	logx "pollkit/pkg/logx"
)

// refreshLimit is the minimum spacing between externally requested refreshes
// of one poll (admin API and cron triggers).
const refreshLimit = time.Second

type pollEntry struct {
	cfg      config.PollConfig
	p        *poll.Poll[probe.Result]
	refresh  *ratelimit.Throttler[poll.Phase, struct{}]
	unbridge func()
}

func triggerName(poll string) string { return "poll:" + poll }

func refreshName(poll string) string { return "refresh:" + poll }

// PollManager owns the configured polls, keyed by name.
type PollManager struct {
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	sched   *scheduler.Service
	standby *StandbySwitch
	client  *http.Client

	mu      sync.RWMutex
	ctx     context.Context
	entries map[string]*pollEntry
}

func NewPollManager(log logx.Logger, bus eventbus.Bus, m *metrics.Metrics, sched *scheduler.Service, standby *StandbySwitch) *PollManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if standby == nil {
		standby = &StandbySwitch{}
	}
	return &PollManager{
		log:     log,
		bus:     bus,
		metrics: m,
		sched:   sched,
		standby: standby,
		client:  &http.Client{},
		ctx:     context.Background(),
		entries: map[string]*pollEntry{},
	}
}

// Start creates one poll per config entry. ctx is handed to every probe call.
func (pm *PollManager) Start(ctx context.Context, polls []config.PollConfig) error {
	pm.mu.Lock()
	pm.ctx = ctx
	pm.mu.Unlock()

	for _, pc := range polls {
		if err := pm.add(pc); err != nil {
			return err
		}
	}
	return nil
}

func (pm *PollManager) add(pc config.PollConfig) error {
	name := strings.TrimSpace(pc.Name)
	path := fmt.Sprintf("polls[%s]", name)
	freq, err := pc.Frequency(path)
	if err != nil {
		return err
	}

	kind := strings.ToLower(strings.TrimSpace(pc.Kind))
	var obs probe.Observer
	if pm.metrics != nil {
		obs = func(took time.Duration) { pm.metrics.ObserveProbe(name, kind, took) }
	}
	var factory poll.Factory[probe.Result]
	switch kind {
	case config.KindHTTP:
		factory = probe.HTTP(pm.client, strings.TrimSpace(pc.Target), pc.Status(), pc.ProbeTimeout(), obs)
	case config.KindExec:
		factory = probe.Exec(pc.Command, pc.ProbeTimeout(), obs)
	case config.KindSystemd:
		factory = probe.Systemd(pc.Unit, pc.ProbeTimeout(), obs)
	default:
		return fmt.Errorf("%s.kind: unknown kind %q", path, pc.Kind)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, dup := pm.entries[name]; dup {
		return fmt.Errorf("%s: poll already exists", path)
	}

	p, err := poll.New(factory, poll.Options{
		Name:      name,
		Frequency: freq,
		Standby:   pc.StandbyMode(),
		Hidden:    pm.standby.Hidden,
		Manual:    pc.Manual,
		Context:   pm.ctx,
		Logger:    pm.log.With(logx.String("poll", name)),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	refresh, err := ratelimit.NewThrottler(func(context.Context, struct{}) (poll.Phase, error) {
		p.Refresh()
		return p.Phase(), nil
	}, ratelimit.Options{
		Name:    refreshName(name),
		Limit:   refreshLimit,
		Edge:    ratelimit.EdgeLeading,
		Context: pm.ctx,
		Logger:  pm.log.With(logx.String("poll", name)),
	})
	if err != nil {
		p.Dispose()
		return fmt.Errorf("%s: %w", path, err)
	}
	e := &pollEntry{cfg: pc, p: p, refresh: refresh}
	if s := strings.TrimSpace(pc.Schedule); s != "" && pm.sched != nil {
		fire := func() { refresh.Invoke(struct{}{}) }
		if err := pm.sched.Set(triggerName(name), s, fire); err != nil {
			refresh.Dispose()
			p.Dispose()
			return fmt.Errorf("%s.schedule: %w", path, err)
		}
	}
	if pm.bus != nil {
		e.unbridge = eventbus.Bridge(pm.bus, p, func(r probe.Result) any { return r })
	}
	pm.entries[name] = e
	pm.log.Debug("poll created",
		logx.String("poll", name),
		logx.String("kind", kind),
		logx.Duration("interval", freq.Interval),
		logx.Bool("manual", pc.Manual),
	)
	return nil
}

func (pm *PollManager) remove(name string) bool {
	pm.mu.Lock()
	e, ok := pm.entries[name]
	delete(pm.entries, name)
	pm.mu.Unlock()
	if !ok {
		return false
	}
	if pm.sched != nil {
		pm.sched.Remove(triggerName(name))
	}
	e.refresh.Dispose()
	e.p.Dispose()
	if e.unbridge != nil {
		e.unbridge()
	}
	if pm.metrics != nil {
		pm.metrics.Forget(name)
	}
	return true
}

// Apply reconciles the running polls with cfg. Retimed polls keep their state
// and get the new frequency in place; every other change recreates the poll.
// Errors for individual polls are logged and do not stop the rest.
func (pm *PollManager) Apply(cfg *config.Config, diff config.PollDiff) {
	byName := make(map[string]config.PollConfig, len(cfg.Polls))
	for _, pc := range cfg.Polls {
		byName[strings.TrimSpace(pc.Name)] = pc
	}
	retimed := make(map[string]bool, len(diff.Retimed))
	for _, n := range diff.Retimed {
		retimed[n] = true
	}

	for _, name := range diff.Removed {
		pm.remove(name)
		pm.log.Info("poll removed", logx.String("poll", name))
	}
	for _, name := range diff.Changed {
		pc := byName[name]
		if retimed[name] {
			if err := pm.retime(name, pc); err != nil {
				pm.log.Warn("poll retime failed; keeping previous frequency", logx.String("poll", name), logx.Err(err))
			} else {
				pm.log.Info("poll retimed", logx.String("poll", name))
			}
			continue
		}
		pm.remove(name)
		if err := pm.add(pc); err != nil {
			pm.log.Warn("poll recreate failed", logx.String("poll", name), logx.Err(err))
			continue
		}
		pm.log.Info("poll recreated", logx.String("poll", name))
	}
	for _, name := range diff.Added {
		if err := pm.add(byName[name]); err != nil {
			pm.log.Warn("poll create failed", logx.String("poll", name), logx.Err(err))
			continue
		}
		pm.log.Info("poll added", logx.String("poll", name))
	}
}

func (pm *PollManager) retime(name string, pc config.PollConfig) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	e, ok := pm.entries[name]
	if !ok {
		return fmt.Errorf("poll %q not found", name)
	}
	freq, err := pc.Frequency(fmt.Sprintf("polls[%s]", name))
	if err != nil {
		return err
	}
	if err := e.p.SetFrequency(freq); err != nil {
		return err
	}
	e.cfg = pc
	return nil
}

// Get returns the poll called name.
func (pm *PollManager) Get(name string) (*poll.Poll[probe.Result], bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	e, ok := pm.entries[name]
	if !ok {
		return nil, false
	}
	return e.p, true
}

// Refresh requests an immediate execution of the poll called name. Requests
// closer together than refreshLimit collapse into one execution.
func (pm *PollManager) Refresh(name string) bool {
	pm.mu.RLock()
	e, ok := pm.entries[name]
	pm.mu.RUnlock()
	if !ok {
		return false
	}
	e.refresh.Invoke(struct{}{})
	return true
}

// Wake starts every poll currently parked in standby.
func (pm *PollManager) Wake() int {
	n := 0
	for _, p := range pm.polls() {
		if p.Phase() == poll.PhaseStandby {
			p.Start()
			n++
		}
	}
	return n
}

// Len returns the number of running polls.
func (pm *PollManager) Len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.entries)
}

func (pm *PollManager) polls() []*poll.Poll[probe.Result] {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]*poll.Poll[probe.Result], 0, len(pm.entries))
	for _, e := range pm.entries {
		out = append(out, e.p)
	}
	return out
}

// PollView is the admin API rendering of one poll.
type PollView struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Phase    poll.Phase    `json:"phase"`
	Interval string        `json:"interval"`
	Due      *time.Time    `json:"due,omitempty"`
	Updated  time.Time     `json:"updated"`
	Error    string        `json:"error,omitempty"`
	Result   *probe.Result `json:"result,omitempty"`
	Schedule string        `json:"schedule,omitempty"`

	Frequency FrequencyView `json:"frequency"`
}

type FrequencyView struct {
	Interval string  `json:"interval"`
	Min      string  `json:"min"`
	Max      string  `json:"max"`
	Jitter   float64 `json:"jitter"`
}

func fmtDuration(d time.Duration) string {
	if d == poll.Never {
		return "never"
	}
	return d.String()
}

// viewOf must be called with pm.mu held.
func viewOf(e *pollEntry) PollView {
	st := e.p.State()
	f := e.p.Frequency()
	v := PollView{
		Name:     e.p.Name(),
		Kind:     strings.ToLower(strings.TrimSpace(e.cfg.Kind)),
		Phase:    st.Phase,
		Interval: fmtDuration(st.Interval),
		Updated:  st.Timestamp,
		Schedule: strings.TrimSpace(e.cfg.Schedule),
		Frequency: FrequencyView{
			Interval: fmtDuration(f.Interval),
			Min:      fmtDuration(f.Min),
			Max:      fmtDuration(f.Max),
			Jitter:   f.Jitter,
		},
	}
	if due := st.Due(); !due.IsZero() {
		v.Due = &due
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	if st.Phase == poll.PhaseResolved || st.Phase == poll.PhaseReconnected {
		r := st.Payload
		v.Result = &r
	}
	return v
}

// View returns the rendering of the poll called name.
func (pm *PollManager) View(name string) (PollView, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	e, ok := pm.entries[name]
	if !ok {
		return PollView{}, false
	}
	return viewOf(e), true
}

// Snapshot renders every poll, sorted by name.
func (pm *PollManager) Snapshot() []PollView {
	pm.mu.RLock()
	out := make([]PollView, 0, len(pm.entries))
	for _, e := range pm.entries {
		out = append(out, viewOf(e))
	}
	pm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DisposeAll disposes every poll. The manager is empty afterwards.
func (pm *PollManager) DisposeAll() {
	pm.mu.RLock()
	names := make([]string, 0, len(pm.entries))
	for name := range pm.entries {
		names = append(names, name)
	}
	pm.mu.RUnlock()
	for _, name := range names {
		pm.remove(name)
	}
}
