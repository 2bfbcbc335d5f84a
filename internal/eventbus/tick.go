package eventbus

import (
	"time"

	"pollkit/internal/poll"
)

const TypePollTick = "poll.tick"

// TickEvent is the Data of a TypePollTick event. Payload holds whatever the
// bridge's summarize func returned for the tick payload.
type TickEvent struct {
	Poll     string
	Phase    poll.Phase
	Interval time.Duration
	Err      string
	Payload  any
	At       time.Time
}

// Bridge publishes every tick of p as a TypePollTick event until the returned
// func is called or p is disposed. summarize may be nil to drop payloads.
func Bridge[T any](bus Bus, p *poll.Poll[T], summarize func(T) any) (unsubscribe func()) {
	return p.OnTick(func(p *poll.Poll[T], tk poll.Tick[T]) {
		ev := TickEvent{
			Poll:     p.Name(),
			Phase:    tk.Phase,
			Interval: tk.Interval,
			At:       tk.Timestamp,
		}
		if tk.Err != nil {
			ev.Err = tk.Err.Error()
		}
		if summarize != nil && (tk.Phase == poll.PhaseResolved || tk.Phase == poll.PhaseReconnected) {
			ev.Payload = summarize(tk.Payload)
		}
		bus.Publish(Event{Type: TypePollTick, Time: tk.Timestamp, Data: ev})
	})
}
