package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultRetain caps ticks kept per poll when Config.Retain is zero.
const DefaultRetain = 500

// Config configures the tick journal.
//
// Driver values:
//   - "file": JSON Lines file, recent ticks indexed in memory
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty, "none" or "disabled", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int
}

// TickRecord is one journaled poll transition. Keep it compact and schema-stable.
type TickRecord struct {
	Poll       string    `json:"poll"`
	Phase      string    `json:"phase"`
	IntervalMS int64     `json:"interval_ms"` // -1 means never
	Error      string    `json:"error,omitempty"`
	Payload    string    `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// Store is the journal API used by the app.
type Store interface {
	AppendTick(ctx context.Context, r TickRecord) error

	// RecentTicks returns up to n records for poll, newest first.
	RecentTicks(ctx context.Context, poll string, n int) ([]TickRecord, error)

	Close() error
}
