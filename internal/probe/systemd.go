package probe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pollkit/internal/poll"
)

// UnitError rejects a systemd probe whose unit is not active.
type UnitError struct {
	Unit        string
	ActiveState string
	SubState    string
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("unit %s is %s (%s)", e.Unit, e.ActiveState, e.SubState)
}

// UnitName appends ".service" to bare unit names.
func UnitName(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" || strings.Contains(unit, ".") {
		return unit
	}
	return unit + ".service"
}

// Systemd returns a factory that resolves while unit is active. It talks to
// the system manager over D-Bus and is only supported on Linux.
func Systemd(unit string, timeout time.Duration, obs Observer) poll.Factory[Result] {
	unit = UnitName(unit)
	return func(ctx context.Context, _ poll.Tick[Result]) (Result, error) {
		ctx, cancel := withTimeout(ctx, timeout)
		defer cancel()

		start := time.Now()
		defer observe(obs, start)

		active, sub, err := unitState(ctx, unit)
		if err != nil {
			return Result{}, err
		}
		if active != "active" {
			return Result{}, &UnitError{Unit: unit, ActiveState: active, SubState: sub}
		}
		return Result{Kind: "systemd", State: active + "/" + sub, Latency: time.Since(start)}, nil
	}
}
