package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "pollkit/pkg/logx"
)

// compactEvery is the number of appends between journal compactions.
const compactEvery = 1000

// fileStore keeps ticks in <prefix>.ticks.jsonl (append-only JSON Lines) and
// an in-memory index of the newest Retain records per poll.
//
// The journal is periodically rewritten from the index so it does not grow
// without bound.
type fileStore struct {
	log    logx.Logger
	retain int

	mu      sync.Mutex
	path    string
	journal *os.File
	recent  map[string][]TickRecord // oldest first
	writes  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	journalPath := filepath.Join(dir, base) + ".ticks.jsonl"

	s := &fileStore{
		log:    log,
		retain: cfg.Retain,
		path:   journalPath,
		recent: map[string][]TickRecord{},
	}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("tick journal replay failed; continuing with partial history", logx.String("path", journalPath), logx.Err(err))
	}

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r TickRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Poll == "" {
			continue
		}
		s.indexLocked(r)
	}
	return sc.Err()
}

func (s *fileStore) indexLocked(r TickRecord) {
	list := append(s.recent[r.Poll], r)
	if len(list) > s.retain {
		list = append(list[:0:0], list[len(list)-s.retain:]...)
	}
	s.recent[r.Poll] = list
}

func (s *fileStore) AppendTick(ctx context.Context, r TickRecord) error {
	_ = ctx
	if strings.TrimSpace(r.Poll) == "" {
		return errors.New("tick record without poll name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.indexLocked(r)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("tick journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentTicks(ctx context.Context, poll string, n int) ([]TickRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrDisabled
	}
	list := s.recent[poll]
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]TickRecord, 0, n)
	for i := len(list) - 1; i >= len(list)-n; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// compactLocked rewrites the journal from the in-memory index via a temp
// file and rename, then reopens it for appending.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, list := range s.recent {
		for _, r := range list {
			if err := enc.Encode(r); err != nil {
				_ = f.Close()
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.journal.Close()
	s.journal = nf
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}
