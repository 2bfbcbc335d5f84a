//go:build linux

package probe

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

func unitState(ctx context.Context, unit string) (active, sub string, err error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return "", "", fmt.Errorf("unit %s: %w", unit, err)
	}
	if load, _ := props["LoadState"].(string); load == "not-found" {
		return "", "", fmt.Errorf("unit %s: not found", unit)
	}
	active, _ = props["ActiveState"].(string)
	sub, _ = props["SubState"].(string)
	return active, sub, nil
}
