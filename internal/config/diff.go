package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pollkit/pkg/logx"
)

// PollDiff lists poll names by how they changed between two configs.
type PollDiff struct {
	Added   []string
	Removed []string

	// Changed polls keep their name but differ in some field. Retimed is the
	// subset whose only difference is frequency, which can be applied in place.
	Changed []string
	Retimed []string
}

func (d PollDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// SummarizeChange returns (1) a compact sorted list of changed sections,
// (2) structured attrs for logging, and (3) the per-poll diff.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, PollDiff) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	pd := diffPolls(oldCfg.Polls, newCfg.Polls)
	if !pd.Empty() {
		changed = append(changed, "polls")
		attrs = append(attrs,
			logx.Int("polls.added", len(pd.Added)),
			logx.Int("polls.removed", len(pd.Removed)),
			logx.Int("polls.changed", len(pd.Changed)),
			logx.Int("polls.retimed", len(pd.Retimed)),
			logx.Int("polls.total", len(newCfg.Polls)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pd
}

func diffPolls(oldP, newP []PollConfig) PollDiff {
	om := indexPolls(oldP)
	nm := indexPolls(newP)

	var d PollDiff
	for name, n := range nm {
		o, ok := om[name]
		if !ok {
			d.Added = append(d.Added, name)
			continue
		}
		if reflect.DeepEqual(o, n) {
			continue
		}
		d.Changed = append(d.Changed, name)
		if onlyTimingDiffers(o, n) {
			d.Retimed = append(d.Retimed, name)
		}
	}
	for name := range om {
		if _, ok := nm[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	sort.Strings(d.Retimed)
	return d
}

func indexPolls(ps []PollConfig) map[string]PollConfig {
	m := make(map[string]PollConfig, len(ps))
	for _, p := range ps {
		m[strings.TrimSpace(p.Name)] = p
	}
	return m
}

func onlyTimingDiffers(a, b PollConfig) bool {
	a.Interval, a.Min, a.Max, a.Jitter = "", "", "", 0
	b.Interval, b.Min, b.Max, b.Jitter = "", "", "", 0
	return reflect.DeepEqual(a, b)
}
