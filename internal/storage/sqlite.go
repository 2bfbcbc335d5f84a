package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "pollkit/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS ticks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	poll        TEXT    NOT NULL,
	phase       TEXT    NOT NULL,
	interval_ms INTEGER NOT NULL,
	err         TEXT,
	payload     TEXT,
	at          TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS ticks_poll_id ON ticks(poll, id);
`

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, retain: cfg.Retain, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendTick(ctx context.Context, r TickRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(r.Poll) == "" {
		return errors.New("tick record without poll name")
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ticks(poll, phase, interval_ms, err, payload, at) VALUES(?,?,?,?,?,?)`,
		r.Poll, r.Phase, r.IntervalMS, nullStr(r.Error), nullStr(r.Payload), r.At.Format(time.RFC3339Nano),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("tick prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentTicks(ctx context.Context, poll string, n int) ([]TickRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		n = s.retain
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT poll, phase, interval_ms, COALESCE(err, ''), COALESCE(payload, ''), at
		 FROM ticks WHERE poll = ? ORDER BY id DESC LIMIT ?`, poll, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var (
			r  TickRecord
			at string
		)
		if err := rows.Scan(&r.Poll, &r.Phase, &r.IntervalMS, &r.Error, &r.Payload, &at); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune keeps the newest retain rows per poll.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ticks WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY poll ORDER BY id DESC) AS rn FROM ticks
			) WHERE rn > ?
		)`, s.retain)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
