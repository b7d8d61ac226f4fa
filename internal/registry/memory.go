package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"jobmesh/internal/jobs"
)

type memStore struct {
	clock jobs.Clock

	mu     sync.Mutex
	m      map[string]record
	closed bool
}

// NewMemory returns an in-process registry. A nil clock means the system clock.
func NewMemory(clock jobs.Clock) Registry { return newMem(clock) }

func newMem(clock jobs.Clock) *memStore {
	if clock == nil {
		clock = jobs.SystemClock
	}
	return &memStore{clock: clock, m: map[string]record{}}
}

func (s *memStore) now() int64 { return jobs.NowMs(s.clock) }

func (s *memStore) Put(ctx context.Context, key string, st jobs.State, ttl time.Duration) error {
	_, err := s.put(key, st, ttl)
	return err
}

func (s *memStore) put(key string, st jobs.State, ttl time.Duration) (record, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return record{}, ErrClosed
	}
	r := record{Key: key, State: st, ExpiresAt: expiresAt(s.now(), ttl)}
	s.m[key] = r
	return r, nil
}

func (s *memStore) Get(ctx context.Context, key string) (jobs.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jobs.State{}, false, ErrClosed
	}
	r, ok := s.liveLocked(strings.TrimSpace(key))
	return r.State, ok, nil
}

func (s *memStore) liveLocked(key string) (record, bool) {
	r, ok := s.m[key]
	if !ok {
		return record{}, false
	}
	if !r.alive(s.now()) {
		delete(s.m, key)
		return record{}, false
	}
	return r, true
}

func (s *memStore) Touch(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.touch(key)
	return ok, err
}

func (s *memStore) touch(key string) (record, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return record{}, false, ErrClosed
	}
	r, ok := s.liveLocked(key)
	if !ok {
		return record{}, false, nil
	}
	now := s.now()
	r.State.LastUpdatedAt = now
	r.ExpiresAt = expiresAt(now, r.State.TTL())
	s.m[key] = r
	return r, true, nil
}

func (s *memStore) Delete(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.liveLocked(key)
	delete(s.m, key)
	return ok, nil
}

func (s *memStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	now := s.now()
	out := make([]Entry, 0, len(s.m))
	for _, r := range s.m {
		if r.alive(now) {
			out = append(out, r.entry())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memStore) Prune(ctx context.Context) (int, error) {
	n, err := s.prune()
	return len(n), err
}

func (s *memStore) prune() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	now := s.now()
	var removed []string
	for k, r := range s.m {
		if !r.alive(now) {
			delete(s.m, k)
			removed = append(removed, k)
		}
	}
	return removed, nil
}

// records returns every stored record, expired or not.
func (s *memStore) records() map[string]record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]record, len(s.m))
	for k, r := range s.m {
		out[k] = r
	}
	return out
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.m = map[string]record{}
	s.mu.Unlock()
	return nil
}
