package poll

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "pollkit/pkg/logx"
)

// Standby controls whether a poll pauses its factory while the consumer is hidden.
type Standby string

const (
	StandbyNever      Standby = "never"
	StandbyWhenHidden Standby = "when-hidden"
)

// ParseStandby maps a config value onto a Standby mode. Empty means def.
func ParseStandby(s string, def Standby) (Standby, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, true
	case string(StandbyNever):
		return StandbyNever, true
	case string(StandbyWhenHidden), "when_hidden", "hidden":
		return StandbyWhenHidden, true
	default:
		return def, false
	}
}

// Factory produces one poll result. It receives the tick state that scheduled it.
//
// Errors are never propagated out of the engine; they become the Err of a
// rejected tick.
type Factory[T any] func(ctx context.Context, state Tick[T]) (T, error)

// Options configures a Poll. Every field is optional.
type Options struct {
	// Name is a diagnostic label. Defaults to a random "poll-xxxxxxxx" id.
	Name string

	Frequency Frequency

	// Standby defaults to StandbyWhenHidden.
	Standby Standby

	// Hidden reports whether the consumer is currently inactive.
	// It is consulted once per execution when Standby is StandbyWhenHidden.
	// nil means never hidden.
	Hidden func() bool

	// Ready gates the first tick. A nil Ready is satisfied immediately.
	// A failing Ready is logged and the poll starts anyway.
	Ready func(ctx context.Context) error

	// Manual polls do not execute after becoming ready; they wait for an
	// explicit Start, Refresh or Schedule.
	Manual bool

	// Context is handed to every factory call. Stop and Dispose do not cancel it.
	Context context.Context

	Logger logx.Logger

	// Rand drives jitter. It is only used under the poll's lock.
	Rand *rand.Rand
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Name) == "" {
		o.Name = "poll-" + uuid.NewString()[:8]
	}
	if o.Standby == "" {
		o.Standby = StandbyWhenHidden
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.Logger.IsZero() {
		o.Logger = logx.Nop()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	o.Frequency = o.Frequency.WithDefaults()
	return o
}
