package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pollkit/internal/config"
	"pollkit/internal/eventbus"
	"pollkit/internal/metrics"
	"pollkit/internal/runtime/supervisor"
	"pollkit/internal/scheduler"
	"pollkit/internal/storage"
	logx "pollkit/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics *metrics.Metrics
	sched   *scheduler.Service
	standby *StandbySwitch
	polls   *PollManager

	srv   *http.Server
	pprof bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateApp(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg, bus)

	sched := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, log.With(logx.String("comp", "scheduler")))

	standby := &StandbySwitch{}
	standby.Set(cfg.HTTP.StartHidden)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: m,
		sched:   sched,
		standby: standby,
		polls:   NewPollManager(log.With(logx.String("comp", "polls")), bus, m, sched, standby),
		pprof:   cfg.HTTP.Pprof,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// validateApp checks what config.Validate leaves to the wiring layer.
func validateApp(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, _, err := httpTimeouts(cfg)
	return err
}

func httpTimeouts(cfg *config.Config) (read, write time.Duration, err error) {
	if read, err = config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second); err != nil {
		return 0, 0, err
	}
	if write, err = config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 10*time.Second); err != nil {
		return 0, 0, err
	}
	return read, write, nil
}

// Polls exposes the running polls.
func (a *App) Polls() *PollManager { return a.polls }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// SetHidden flips the standby switch. Polls parked in standby are started
// right away when the switch turns visible.
func (a *App) SetHidden(hidden bool) {
	if !a.standby.Set(hidden) {
		return
	}
	if hidden {
		a.log.Info("standby switch on; when-hidden polls will park")
		return
	}
	woke := a.polls.Wake()
	a.log.Info("standby switch off", logx.Int("woken", woke))
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateApp(cfg)
	})

	// Subscribe before any poll exists so no tick is missed.
	ticks, unsubTicks := a.bus.Subscribe(256)
	a.sup.Go("metrics.consume", func(c context.Context) error {
		defer unsubTicks()
		a.metrics.Consume(c, ticks)
		return nil
	})
	if a.store != nil {
		journal, unsubJournal := a.bus.Subscribe(1024)
		a.sup.Go("storage.record", func(c context.Context) error {
			defer unsubJournal()
			storage.Record(c, a.store, journal, a.log.With(logx.String("comp", "storage")))
			return nil
		})
	}

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	cfg := a.cfgm.Get()
	if err := a.polls.Start(a.sup.Context(), cfg.Polls); err != nil {
		return err
	}

	if err := a.startHTTP(cfg); err != nil {
		return err
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("polls", a.polls.Len()),
		logx.Bool("hidden", a.standby.Hidden()),
		logx.Bool("scheduler", a.sched.Enabled()),
	)
	return nil
}

func (a *App) startHTTP(cfg *config.Config) error {
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		a.log.Info("admin API disabled (http.addr empty)")
		return nil
	}
	read, write, err := httpTimeouts(cfg)
	if err != nil {
		return err
	}
	a.srv = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadTimeout:       read,
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       2 * time.Minute,
	}
	srv := a.srv
	a.sup.Go("http.serve", func(context.Context) error {
		a.log.Info("admin API listening", logx.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, diff := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "storage", "http":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if slices.Contains(sections, "scheduler") {
		prev := a.sched.Enabled()
		a.sched.Apply(scheduler.Config{
			Enabled:  newCfg.Scheduler.Enabled,
			Timezone: newCfg.Scheduler.Timezone,
		})
		switch {
		case prev && !newCfg.Scheduler.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prev && newCfg.Scheduler.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if !diff.Empty() {
		a.polls.Apply(newCfg, diff)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, time.Until(dl))
			}
			if limit > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name),
					logx.Err(err),
					logx.Duration("took", time.Since(start)),
				)
			}()
		}
	}

	step("http", 2*time.Second, func(c context.Context) error {
		if a.srv == nil {
			return nil
		}
		return a.srv.Shutdown(c)
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("polls", time.Second, func(context.Context) error { a.polls.DisposeAll(); return nil })

	// Wait for supervised goroutines (config watch/reload, journal, metrics).
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Stop(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
