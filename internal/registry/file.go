package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jobmesh/internal/jobs"
	logx "jobmesh/pkg/logx"
)

// fileStore keeps the registry in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every CompactEvery writes and
// on Close.
type fileStore struct {
	mem *memStore
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op     string `json:"op"`
	Record record `json:"rec"`
}

const (
	opPut = "put"
	opDel = "del"
)

func openFile(cfg Config, clock jobs.Clock, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("registry.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMem(clock)
	if err := loadSnapshot(snapPath, mem.m); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("registry snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, mem.m); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("registry journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}
	_, _ = mem.prune()

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	s := &fileStore{
		mem:          mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: every,
	}
	log.Debug("file registry opened", logx.String("path", prefix), logx.Int("entries", len(mem.m)))
	return s, nil
}

func (s *fileStore) Put(ctx context.Context, key string, st jobs.State, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.mem.put(key, st, ttl)
	if err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: opPut, Record: r})
}

func (s *fileStore) Get(ctx context.Context, key string) (jobs.State, bool, error) {
	return s.mem.Get(ctx, key)
}

func (s *fileStore) Touch(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok, err := s.mem.touch(key)
	if err != nil || !ok {
		return ok, err
	}
	return true, s.appendLocked(journalRecord{Op: opPut, Record: r})
}

func (s *fileStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.mem.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	return ok, s.appendLocked(journalRecord{Op: opDel, Record: record{Key: strings.TrimSpace(key)}})
}

func (s *fileStore) List(ctx context.Context) ([]Entry, error) { return s.mem.List(ctx) }

func (s *fileStore) Prune(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed, err := s.mem.prune()
	if err != nil || len(removed) == 0 {
		return 0, err
	}
	// Expired records are also dropped on load; compacting keeps the
	// journal from growing with them.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("registry compact failed", logx.Err(err))
	}
	return len(removed), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	_ = s.mem.Close()
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) appendLocked(rec journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("registry compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if s.journal == nil {
		return nil
	}
	recs := s.mem.records()
	now := s.mem.now()
	for k, r := range recs {
		if !r.alive(now) {
			delete(recs, k)
		}
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]record
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Record.Key == "" {
			continue
		}
		switch r.Op {
		case opPut:
			out[r.Record.Key] = r.Record
		case opDel:
			delete(out, r.Record.Key)
		}
	}
	return sc.Err()
}
