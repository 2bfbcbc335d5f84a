package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "pollkit/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Trigger is one named schedule and the func it fires.
type Trigger struct {
	Name     string
	Schedule string
	Expr     string
	Next     time.Time
	Spread   time.Duration
}

type triggerDef struct {
	name    string
	raw     string
	spec    ParsedSpec
	fire    func()
	entryID cron.EntryID
	spread  time.Duration
}

// Service fires named triggers on cron or interval schedules. It only calls
// the registered funcs; it never runs work itself, so funcs should not block.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   map[string]*triggerDef
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*triggerDef{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Validate parses schedule the same way Set does, without registering it.
func (s *Service) Validate(schedule string) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}

// Set registers or replaces the trigger called name.
func (s *Service) Set(name, schedule string, fire func()) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if fire == nil {
		return errors.New("fire func required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &triggerDef{name: name, raw: schedule, spec: ps, fire: fire}
	if s.c != nil {
		if err := s.addLocked(d); err != nil {
			return err
		}
	}
	s.defs[name] = d
	return nil
}

// Remove unregisters name. It reports whether a trigger existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) addLocked(d *triggerDef) error {
	job := cron.FuncJob(d.fire)
	if d.spec.Kind == SpecInterval {
		sched, spread := intervalWithSpread(d.spec.Every, time.Now().In(s.loc), d.name)
		d.entryID = s.c.Schedule(sched, job)
		d.spread = spread
	} else {
		id, err := s.c.AddJob(d.spec.Cron, job)
		if err != nil {
			s.log.Error("trigger register failed", logx.String("name", d.name), logx.String("spec", d.spec.Cron), logx.Err(err))
			return fmt.Errorf("trigger %s: %w", d.name, err)
		}
		d.entryID = id
	}
	s.log.Debug("trigger registered",
		logx.String("name", d.name),
		logx.String("spec", d.spec.Expr()),
		logx.Duration("spread", d.spread),
	)
	return nil
}

// Triggers returns a snapshot sorted by name.
func (s *Service) Triggers() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Trigger, 0, len(s.defs))
	for _, d := range s.defs {
		t := Trigger{Name: d.name, Schedule: d.raw, Expr: d.spec.Expr(), Spread: d.spread}
		if s.c != nil && d.entryID != 0 {
			t.Next = s.c.Entry(d.entryID).Next
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Apply swaps the config. A timezone change restarts cron with the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.stopLocked()
		s.startLocked()
	}
}

// Start begins firing registered triggers. It is a no-op when already started.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{log: s.log})),
	)
	for _, d := range s.defs {
		_ = s.addLocked(d)
	}
	s.c.Start()
}

func (s *Service) stopLocked() *cron.Cron {
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	if c != nil {
		c.Stop()
	}
	return c
}

// Stop halts triggering. Registered triggers are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.stopLocked()
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's own logging (panic recovery) through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
