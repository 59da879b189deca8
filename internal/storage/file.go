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

	"volley/internal/dispatch"
	logx "volley/pkg/logx"
)

// fileStore keeps summaries in <prefix>.sessions.jsonl (append-only JSON
// Lines). Once the file holds twice the retention it is rewritten with only the
// newest summaries.
type fileStore struct {
	log  logx.Logger
	keep int

	mu     sync.Mutex
	path   string
	f      *os.File
	recent []dispatch.Summary // oldest first, at most keep
	lines  int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	journal := filepath.Join(dir, base) + ".sessions.jsonl"

	s := &fileStore{log: log, keep: cfg.keep(), path: journal}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		s.lines++
		var sum dispatch.Summary
		if err := json.Unmarshal(sc.Bytes(), &sum); err != nil {
			s.log.Debug("storage.skip_corrupt_line", logx.Int("line", s.lines), logx.Err(err))
			continue
		}
		s.push(sum)
	}
	return sc.Err()
}

func (s *fileStore) push(sum dispatch.Summary) {
	s.recent = append(s.recent, sum)
	if over := len(s.recent) - s.keep; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
}

func (s *fileStore) SaveSessionResult(ctx context.Context, sum dispatch.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	if err := json.NewEncoder(s.f).Encode(sum); err != nil {
		return err
	}
	s.lines++
	s.push(sum)
	if s.lines >= 2*s.keep {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("storage.compact_failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentSessions(ctx context.Context, n int) ([]dispatch.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]dispatch.Summary, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// compactLocked rewrites the journal with the retained summaries and swaps it
// in atomically.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, sum := range s.recent {
		if err := enc.Encode(sum); err != nil {
			_ = f.Close()
			return err
		}
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
	_ = s.f.Close()
	s.f = nf
	s.lines = len(s.recent)
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
