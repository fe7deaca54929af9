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

	"cellserve/pkg/logx"
)

// fileStore keeps runs in <prefix>.runs.jsonl. Records past retention are
// dropped when the store is opened.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
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
	if cfg.Retention > 0 {
		if n, err := compact(runsPath, time.Now().Add(-cfg.Retention)); err != nil {
			log.Warn("run history compaction failed", logx.Err(err))
		} else if n > 0 {
			log.Debug("run history compacted", logx.Int("dropped", n))
		}
	}

	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: runsPath, f: f}, nil
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

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) RecentRuns(ctx context.Context, task string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}

	// ring holds the newest limit matches in file order.
	ring := make([]RunRecord, 0, limit)
	start := 0
	err := scanRuns(ctx, s.path, func(r RunRecord) {
		if task != "" && r.Task != task {
			return
		}
		if len(ring) < limit {
			ring = append(ring, r)
			return
		}
		ring[start] = r
		start = (start + 1) % limit
	})
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(start+i)%len(ring)])
	}
	return out, nil
}

func scanRuns(ctx context.Context, path string, fn func(RunRecord)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Task == "" {
			continue
		}
		fn(r)
	}
	return sc.Err()
}

// compact rewrites path without records that started (or were scheduled,
// for skips) before cutoff. It returns the number dropped.
func compact(path string, cutoff time.Time) (int, error) {
	var keep []RunRecord
	dropped := 0
	err := scanRuns(context.Background(), path, func(r RunRecord) {
		at := r.Started
		if at.IsZero() {
			at = r.Scheduled
		}
		if at.Before(cutoff) {
			dropped++
			return
		}
		keep = append(keep, r)
	})
	if err != nil || dropped == 0 {
		return 0, err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return 0, err
		}
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return dropped, os.Rename(tmp, path)
}
