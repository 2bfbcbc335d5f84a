//go:build !linux

package probe

import (
	"context"
	"errors"
)

var ErrUnsupported = errors.New("systemd probe: unsupported OS (linux only)")

func unitState(context.Context, string) (string, string, error) {
	return "", "", ErrUnsupported
}
