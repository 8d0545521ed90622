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
	"time"

	logx "delayq/pkg/logx"
)

// fileStore keeps the run log in <prefix>.runs.jsonl (append-only JSON Lines)
// and an in-memory index of the last successful run per job, rebuilt by
// replaying the log at open.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	runs    *os.File
	lastRun map[string]time.Time
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	lastRun := map[string]time.Time{}
	if err := replayRuns(runsPath, lastRun); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run log replay failed", logx.String("path", runsPath), logx.Err(err))
	}

	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, runs: f, lastRun: lastRun}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return nil
	}
	err := s.runs.Close()
	s.runs = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return errors.New("run log closed")
	}
	if err := json.NewEncoder(s.runs).Encode(r); err != nil {
		return err
	}
	if r.OK && r.At.After(s.lastRun[r.Job]) {
		s.lastRun[r.Job] = r.At
	}
	return nil
}

func (s *fileStore) LastRun(ctx context.Context, job string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastRun[strings.TrimSpace(job)]
	return at, ok, nil
}

func replayRuns(path string, out map[string]time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn last line after a crash; skip it.
			continue
		}
		if r.Job == "" || !r.OK {
			continue
		}
		if r.At.After(out[r.Job]) {
			out[r.Job] = r.At
		}
	}
	return sc.Err()
}
