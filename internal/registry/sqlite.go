package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"jobmesh/internal/jobs"
	logx "jobmesh/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	clock jobs.Clock

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, clock jobs.Clock, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("registry.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	if clock == nil {
		clock = jobs.SystemClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, clock: clock, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) now() int64 { return jobs.NowMs(s.clock) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, key string, st jobs.State, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_state(key, state, expires_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET state=excluded.state, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		key, string(b), expiresAt(now, ttl), now,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.Prune(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, key string) (jobs.State, bool, error) {
	r, ok, err := s.load(ctx, s.db, strings.TrimSpace(key))
	return r.State, ok, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqliteStore) load(ctx context.Context, q queryer, key string) (record, bool, error) {
	var raw string
	var exp int64
	err := q.QueryRowContext(ctx,
		`SELECT state, expires_at FROM job_state WHERE key = ? AND (expires_at = 0 OR expires_at >= ?)`,
		key, s.now(),
	).Scan(&raw, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	var st jobs.State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return record{}, false, fmt.Errorf("decode state %s: %w", key, err)
	}
	return record{Key: key, State: st, ExpiresAt: exp}, true, nil
}

func (s *sqliteStore) Touch(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	r, ok, err := s.load(ctx, tx, key)
	if err != nil || !ok {
		return false, err
	}
	now := s.now()
	r.State.LastUpdatedAt = now
	b, err := json.Marshal(r.State)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE job_state SET state = ?, expires_at = ?, updated_at = ? WHERE key = ?`,
		string(b), expiresAt(now, r.State.TTL()), now, key,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_state WHERE key = ? AND (expires_at = 0 OR expires_at >= ?)`,
		strings.TrimSpace(key), s.now())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, state, expires_at FROM job_state WHERE expires_at = 0 OR expires_at >= ? ORDER BY key`,
		s.now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var r record
		var raw string
		if err := rows.Scan(&r.Key, &raw, &r.ExpiresAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.State); err != nil {
			s.log.Warn("skipping undecodable registry row", logx.String("key", r.Key), logx.Err(err))
			continue
		}
		out = append(out, r.entry())
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_state WHERE expires_at > 0 AND expires_at < ?`, s.now())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
