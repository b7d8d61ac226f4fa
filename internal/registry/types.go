package registry

import (
	"context"
	"errors"
	"time"

	"jobmesh/internal/jobs"
)

var ErrClosed = errors.New("registry closed")

// Registry is the replicated job-state store. It provides no locking; a job's
// state is only written by the member currently holding its trigger.
type Registry interface {
	// Put upserts the state. ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, st jobs.State, ttl time.Duration) error
	Get(ctx context.Context, key string) (jobs.State, bool, error)
	// Touch bumps LastUpdatedAt and re-applies the TTL derived from
	// TimeoutMs. It reports false if the key is absent or expired.
	Touch(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context) ([]Entry, error)
	// Prune drops expired entries and returns how many were removed.
	Prune(ctx context.Context) (int, error)
	Close() error
}

// Entry is a live registry record.
type Entry struct {
	Key       string     `json:"key"`
	State     jobs.State `json:"state"`
	ExpiresAt time.Time  `json:"expires_at,omitzero"`
}

// Config selects and configures a backend.
//
// Driver values:
//   - "memory" (default): in-process map
//   - "file": JSON snapshot plus append-only journal
//   - "sqlite": SQLite database file, shareable between members on one host
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// CompactEvery is the number of journal writes between compactions
	// (file driver). 0 means 1000.
	CompactEvery int
}

// record is the stored form shared by the in-process backends.
// ExpiresAt is unix ms; 0 means never.
type record struct {
	Key       string     `json:"key"`
	State     jobs.State `json:"state"`
	ExpiresAt int64      `json:"expires_at,omitempty"`
}

func (r record) alive(now int64) bool { return r.ExpiresAt == 0 || now <= r.ExpiresAt }

func (r record) entry() Entry {
	e := Entry{Key: r.Key, State: r.State}
	if r.ExpiresAt > 0 {
		e.ExpiresAt = time.UnixMilli(r.ExpiresAt)
	}
	return e
}

func expiresAt(now int64, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now + ttl.Milliseconds()
}
