package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"pollkit/internal/poll"
	"pollkit/internal/scheduler"
	logx "pollkit/pkg/logx"
)

const (
	KindHTTP    = "http"
	KindExec    = "exec"
	KindSystemd = "systemd"

	DefaultProbeTimeout = 10 * time.Second
	DefaultExpectStatus = 200
)

// Validate checks the whole config and reports every problem it finds,
// each prefixed by its field path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch d := strings.ToLower(strings.TrimSpace(storageDriver(cfg))); d {
	case "", "none", "disabled", "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", d))
	}
	if cfg.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if cfg.Storage.Retain < 0 {
			errs = append(errs, errors.New("storage.retain: must be >= 0"))
		}
	}
	if _, err := ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	cronCheck := scheduler.New(scheduler.Config{}, logx.Nop())
	seen := map[string]int{}
	for i, p := range cfg.Polls {
		path := fmt.Sprintf("polls[%d]", i)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else {
			path = fmt.Sprintf("polls[%s]", name)
			if j, dup := seen[name]; dup {
				errs = append(errs, fmt.Errorf("%s.name: duplicate of polls[%d]", path, j))
			}
			seen[name] = i
		}
		errs = append(errs, validatePoll(path, p, cronCheck)...)
	}
	return errors.Join(errs...)
}

func validatePoll(path string, p PollConfig, cronCheck *scheduler.Service) []error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(p.Kind)) {
	case KindHTTP:
		u, err := url.Parse(strings.TrimSpace(p.Target))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.target: want an http(s) URL, got %q", path, p.Target))
		}
		if p.ExpectStatus != 0 && (p.ExpectStatus < 100 || p.ExpectStatus > 599) {
			errs = append(errs, fmt.Errorf("%s.expect_status: %d is not an HTTP status", path, p.ExpectStatus))
		}
	case KindExec:
		if len(p.Command) == 0 || strings.TrimSpace(p.Command[0]) == "" {
			errs = append(errs, fmt.Errorf("%s.command: required for exec polls", path))
		}
	case KindSystemd:
		if strings.TrimSpace(p.Unit) == "" {
			errs = append(errs, fmt.Errorf("%s.unit: required for systemd polls", path))
		}
	case "":
		errs = append(errs, fmt.Errorf("%s.kind: required (http|exec|systemd)", path))
	default:
		errs = append(errs, fmt.Errorf("%s.kind: unknown kind %q", path, p.Kind))
	}

	if _, err := p.Frequency(path); err != nil {
		errs = append(errs, err)
	}
	if _, ok := poll.ParseStandby(p.Standby, poll.StandbyWhenHidden); !ok {
		errs = append(errs, fmt.Errorf("%s.standby: unknown mode %q (never|when-hidden)", path, p.Standby))
	}
	if _, err := ParseDurationField(path+".timeout", p.Timeout); err != nil {
		errs = append(errs, err)
	}
	if s := strings.TrimSpace(p.Schedule); s != "" {
		if err := cronCheck.Validate(s); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", path, err))
		}
	}
	return errs
}

// Frequency resolves the configured durations into a validated poll.Frequency.
// path prefixes error messages.
func (p PollConfig) Frequency(path string) (poll.Frequency, error) {
	var (
		f   poll.Frequency
		err error
	)
	if f.Interval, err = ParseIntervalField(path+".interval", p.Interval); err != nil {
		return poll.Frequency{}, err
	}
	if f.Max, err = ParseIntervalField(path+".max", p.Max); err != nil {
		return poll.Frequency{}, err
	}
	if f.Min, err = ParseDurationField(path+".min", p.Min); err != nil {
		return poll.Frequency{}, err
	}
	f.Jitter = p.Jitter
	f = f.WithDefaults()
	if err := f.Validate(); err != nil {
		return poll.Frequency{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// StandbyMode returns the configured standby mode, defaulting to when-hidden.
func (p PollConfig) StandbyMode() poll.Standby {
	s, _ := poll.ParseStandby(p.Standby, poll.StandbyWhenHidden)
	return s
}

func (p PollConfig) ProbeTimeout() time.Duration {
	d, err := ParseDurationOrDefault("timeout", p.Timeout, DefaultProbeTimeout)
	if err != nil {
		return DefaultProbeTimeout
	}
	return d
}

func (p PollConfig) Status() int {
	if p.ExpectStatus == 0 {
		return DefaultExpectStatus
	}
	return p.ExpectStatus
}

func storageDriver(cfg *Config) string {
	if cfg.Storage == nil {
		return ""
	}
	return cfg.Storage.Driver
}
