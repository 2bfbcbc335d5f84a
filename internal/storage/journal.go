package storage

import (
	"context"
	"encoding/json"
	"time"

	"pollkit/internal/eventbus"
	"pollkit/internal/poll"
	logx "pollkit/pkg/logx"
)

const maxPayloadBytes = 2048

// oversizedPayload replaces a payload whose JSON exceeds maxPayloadBytes.
type oversizedPayload struct {
	Truncated bool `json:"truncated"`
	Bytes     int  `json:"bytes"`
}

// FromTick converts a bus tick event into a journal record.
func FromTick(ev eventbus.TickEvent) TickRecord {
	r := TickRecord{
		Poll:       ev.Poll,
		Phase:      string(ev.Phase),
		IntervalMS: -1,
		Error:      ev.Err,
		At:         ev.At,
	}
	if ev.Interval != poll.Never {
		r.IntervalMS = ev.Interval.Milliseconds()
	}
	if ev.Payload != nil {
		if b, err := json.Marshal(ev.Payload); err == nil {
			if len(b) > maxPayloadBytes {
				b, _ = json.Marshal(oversizedPayload{Truncated: true, Bytes: len(b)})
			}
			r.Payload = string(b)
		}
	}
	return r
}

// Record appends every tick event from ch to st until ctx is done or ch is
// closed. Write errors are logged and do not stop recording.
func Record(ctx context.Context, st Store, ch <-chan eventbus.Event, log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			te, ok := ev.Data.(eventbus.TickEvent)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := st.AppendTick(wctx, FromTick(te))
			cancel()
			if err != nil {
				log.Warn("tick journal append failed", logx.String("poll", te.Poll), logx.Err(err))
			}
		}
	}
}
