// Package probe builds poll factories for the configured check kinds.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"pollkit/internal/poll"
)

// Result is the payload of a successful probe.
type Result struct {
	Kind    string        `json:"kind"`
	Status  int           `json:"status,omitempty"`
	Output  string        `json:"output,omitempty"`
	State   string        `json:"state,omitempty"`
	Latency time.Duration `json:"latency"`
}

// StatusError rejects an HTTP probe whose response code was unexpected.
type StatusError struct {
	Got, Want int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (want %d)", e.Got, e.Want)
}

// ExitError rejects an exec probe whose command exited non-zero.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Output)
}

const maxOutput = 512

// Observer receives the duration of every probe call, successful or not.
type Observer func(took time.Duration)

// HTTP returns a factory that GETs target and resolves when the response
// status equals want. client may be nil.
func HTTP(client *http.Client, target string, want int, timeout time.Duration, obs Observer) poll.Factory[Result] {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, _ poll.Tick[Result]) (Result, error) {
		ctx, cancel := withTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		defer observe(obs, start)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return Result{}, err
		}
		req.Header.Set("User-Agent", "pollkit-probe")
		resp, err := client.Do(req)
		if err != nil {
			return Result{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		if resp.StatusCode != want {
			return Result{}, &StatusError{Got: resp.StatusCode, Want: want}
		}
		return Result{Kind: "http", Status: resp.StatusCode, Latency: time.Since(start)}, nil
	}
}

// Exec returns a factory that runs argv and resolves when it exits zero.
func Exec(argv []string, timeout time.Duration, obs Observer) poll.Factory[Result] {
	return func(ctx context.Context, _ poll.Tick[Result]) (Result, error) {
		if len(argv) == 0 {
			return Result{}, errors.New("exec probe: empty command")
		}
		ctx, cancel := withTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		defer observe(obs, start)

		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		text := truncate(strings.TrimSpace(string(out)), maxOutput)
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) && ctx.Err() == nil {
				return Result{}, &ExitError{Code: ee.ExitCode(), Output: text}
			}
			if ctx.Err() != nil {
				return Result{}, fmt.Errorf("exec probe: %w", ctx.Err())
			}
			return Result{}, err
		}
		return Result{Kind: "exec", Output: text, Latency: time.Since(start)}, nil
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func observe(obs Observer, start time.Time) {
	if obs != nil {
		obs(time.Since(start))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
