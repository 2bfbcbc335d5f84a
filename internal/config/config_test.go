package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pollkit/internal/poll"
)

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  addr: 127.0.0.1:8089
scheduler:
  enabled: true
storage:
  driver: file
  path: ./journal
polls:
  - name: api
    kind: http
    target: https://example.com/health
    interval: 5s
    max: 1m
    jitter: 0.25
    schedule: "*/5 * * * *"
  - name: disk
    kind: exec
    command: ["df", "-h"]
    interval: never
    standby: never
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "pollkit.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
	if len(cfg.Polls) != 2 || cfg.Polls[1].Command[0] != "df" {
		t.Fatalf("unexpected polls: %+v", cfg.Polls)
	}

	f, err := cfg.Polls[0].Frequency("polls[api]")
	if err != nil {
		t.Fatal(err)
	}
	want := poll.Frequency{Interval: 5 * time.Second, Jitter: 0.25, Max: time.Minute, Min: 100 * time.Millisecond}
	if f != want {
		t.Fatalf("Frequency = %+v, want %+v", f, want)
	}

	f, err = cfg.Polls[1].Frequency("polls[disk]")
	if err != nil {
		t.Fatal(err)
	}
	if f.Interval != poll.Never || f.Max != poll.Never {
		t.Fatalf("never interval resolved to %+v", f)
	}
	if cfg.Polls[1].StandbyMode() != poll.StandbyNever {
		t.Fatalf("standby = %s", cfg.Polls[1].StandbyMode())
	}
	if cfg.Polls[0].Status() != 200 || cfg.Polls[0].ProbeTimeout() != DefaultProbeTimeout {
		t.Fatal("http defaults not applied")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "pollkit.json", `{"polls":[{"name":"a","kind":"http","target":"http://x","bogus":1}]}`))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "pollkit.json", `{"polls":[]}{"polls":[]}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		polls   []PollConfig
		wantErr string
	}{
		{name: "ok", polls: []PollConfig{{Name: "a", Kind: "http", Target: "http://localhost/"}}},
		{name: "missing name", polls: []PollConfig{{Kind: "http", Target: "http://x/"}}, wantErr: "polls[0].name"},
		{name: "duplicate", polls: []PollConfig{
			{Name: "a", Kind: "exec", Command: []string{"true"}},
			{Name: "a", Kind: "exec", Command: []string{"true"}},
		}, wantErr: "duplicate"},
		{name: "bad kind", polls: []PollConfig{{Name: "a", Kind: "ftp"}}, wantErr: "unknown kind"},
		{name: "bad target", polls: []PollConfig{{Name: "a", Kind: "http", Target: "localhost"}}, wantErr: "target"},
		{name: "exec without command", polls: []PollConfig{{Name: "a", Kind: "exec"}}, wantErr: "command"},
		{name: "systemd ok", polls: []PollConfig{{Name: "a", Kind: "systemd", Unit: "nginx"}}},
		{name: "systemd without unit", polls: []PollConfig{{Name: "a", Kind: "systemd"}}, wantErr: "unit"},
		{name: "min above interval", polls: []PollConfig{{Name: "a", Kind: "exec", Command: []string{"true"}, Interval: "1s", Min: "2s"}}, wantErr: "exceeds interval"},
		{name: "interval above max", polls: []PollConfig{{Name: "a", Kind: "exec", Command: []string{"true"}, Interval: "1m", Max: "10s"}}, wantErr: "exceeds max"},
		{name: "bad standby", polls: []PollConfig{{Name: "a", Kind: "exec", Command: []string{"true"}, Standby: "sometimes"}}, wantErr: "standby"},
		{name: "bad schedule", polls: []PollConfig{{Name: "a", Kind: "exec", Command: []string{"true"}, Schedule: "61 * * * *"}}, wantErr: "schedule"},
		{name: "bad status", polls: []PollConfig{{Name: "a", Kind: "http", Target: "http://x/", ExpectStatus: 42}}, wantErr: "expect_status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&Config{Polls: tt.polls})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFrequencyErrorIsSentinel(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{Polls: []PollConfig{{Name: "a", Kind: "exec", Command: []string{"x"}, Interval: "1s", Min: "5s"}}})
	if !errors.Is(err, poll.ErrInvalidFrequency) {
		t.Fatalf("err = %v, want ErrInvalidFrequency in chain", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Polls: []PollConfig{
		{Name: "a", Kind: "http", Target: "http://x/", Interval: "1s"},
		{Name: "b", Kind: "http", Target: "http://x/"},
		{Name: "c", Kind: "exec", Command: []string{"true"}},
	}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Polls: []PollConfig{
			{Name: "a", Kind: "http", Target: "http://x/", Interval: "2s"},
			{Name: "b", Kind: "http", Target: "http://y/"},
			{Name: "d", Kind: "exec", Command: []string{"true"}},
		},
	}
	sections, attrs, pd := SummarizeChange(oldCfg, newCfg)
	if strings.Join(sections, ",") != "logging,polls" {
		t.Fatalf("sections = %v", sections)
	}
	if len(attrs) == 0 {
		t.Fatal("expected log attrs")
	}
	if strings.Join(pd.Added, ",") != "d" || strings.Join(pd.Removed, ",") != "c" {
		t.Fatalf("added/removed = %v/%v", pd.Added, pd.Removed)
	}
	if strings.Join(pd.Changed, ",") != "a,b" || strings.Join(pd.Retimed, ",") != "a" {
		t.Fatalf("changed/retimed = %v/%v", pd.Changed, pd.Retimed)
	}

	if s, _, pd := SummarizeChange(oldCfg, oldCfg); len(s) != 0 || !pd.Empty() {
		t.Fatalf("identical configs reported %v %+v", s, pd)
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "pollkit.json", `{"polls":[{"name":"a","kind":"exec","command":["true"]}]}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("err = %v, want ErrUnchanged", err)
	}

	if err := os.WriteFile(path, []byte(`{"polls":[{"name":"a","kind":"ftp"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("invalid config accepted")
	}
	if m.Get().Polls[0].Kind != "exec" {
		t.Fatal("rejected reload replaced committed config")
	}

	if err := os.WriteFile(path, []byte(`{"polls":[{"name":"b","kind":"exec","command":["true"]}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-sub:
		if cfg.Polls[0].Name != "b" {
			t.Fatalf("published %+v", cfg.Polls)
		}
	default:
		t.Fatal("nothing published")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "pollkit.json", `{"polls":[]}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	for i := 0; i < 3; i++ {
		body := `{"polls":[{"name":"w","kind":"exec","command":["true"],"interval":"` + []string{"1s", "2s", "3s"}[i] + `"}]}`
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case cfg := <-sub:
		if cfg.Polls[0].Interval != "3s" {
			t.Fatalf("first published interval = %s, want the last write", cfg.Polls[0].Interval)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not publish")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
