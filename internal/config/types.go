package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage is optional. Nil disables the tick journal.
	Storage *StorageConfig `json:"storage,omitempty"`

	Polls []PollConfig `json:"polls"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the admin API.
//
// Prefer binding to localhost; the API can stop and refresh polls.
// An empty Addr disables the server.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof bool `json:"pprof,omitempty"`

	// StartHidden starts the process-wide standby switch in the hidden state.
	StartHidden bool `json:"start_hidden,omitempty"`
}

// SchedulerConfig controls cron/interval refresh triggers.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the tick journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./pollkit_journal" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// Retain caps the ticks kept per poll. 0 keeps everything.
	Retain int `json:"retain,omitempty"`
}

// PollConfig describes one configured poll.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// "never" is accepted for interval and max.
//
// Defaults (when fields are omitted):
//   - interval: "1s"
//   - max: 10x interval
//   - min: "100ms" (or interval when smaller)
//   - jitter: 0 (disabled)
//   - standby: "when-hidden"
//   - timeout: "10s"
//   - expect_status: 200 (http probes)
type PollConfig struct {
	Name string `json:"name"`

	// Kind selects the probe: "http", "exec" or "systemd".
	Kind string `json:"kind"`

	// Target is the URL for http probes.
	Target string `json:"target,omitempty"`

	// Command is argv for exec probes.
	Command []string `json:"command,omitempty"`

	// Unit is the systemd unit for systemd probes. Bare names get ".service".
	Unit string `json:"unit,omitempty"`

	Interval string  `json:"interval,omitempty"`
	Min      string  `json:"min,omitempty"`
	Max      string  `json:"max,omitempty"`
	Jitter   float64 `json:"jitter,omitempty"`
	Standby  string  `json:"standby,omitempty"`

	// Manual polls wait for a refresh/start instead of executing on startup.
	Manual bool `json:"manual,omitempty"`

	// Schedule is an optional cron expression or "@every 5m" that refreshes
	// the poll on top of its own cadence.
	Schedule string `json:"schedule,omitempty"`

	Timeout      string `json:"timeout,omitempty"`
	ExpectStatus int    `json:"expect_status,omitempty"`
}
