package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/assaab/DeepCompress/internal/store"
)

// MemoryURL selects the in-process backend.
const MemoryURL = "memory:"

// DialURL returns a Dialer for a cache URL: MemoryURL, a postgres:// URL or a
// SQLite file path. The memory backend survives reconnects of the same Dialer.
func DialURL(url string) Dialer {
	if url == MemoryURL {
		mem := NewMemoryBackend()
		return func(context.Context) (Backend, error) {
			return mem, nil
		}
	}
	return func(ctx context.Context) (Backend, error) {
		db, dialect, err := store.OpenDB(ctx, url)
		if err != nil {
			return nil, err
		}
		b, err := NewSQLBackend(ctx, db, dialect)
		if err != nil {
			db.Close()
			return nil, err
		}
		return b, nil
	}
}

// SQLBackend stores entries in the cache_entries table. It owns db.
type SQLBackend struct {
	db      *sql.DB
	dialect store.Dialect
}

const createCacheTableSQLite = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key  TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

var createCacheTablePostgres = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
		cache_key  TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at)`,
}

// NewSQLBackend creates the cache table if needed.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect store.Dialect) (*SQLBackend, error) {
	if dialect == store.DialectPostgres {
		for _, stmt := range createCacheTablePostgres {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return nil, fmt.Errorf("create cache table: %w", err)
			}
		}
	} else {
		if _, err := db.ExecContext(ctx, createCacheTableSQLite); err != nil {
			return nil, fmt.Errorf("create cache table: %w", err)
		}
	}
	return &SQLBackend{db: db, dialect: dialect}, nil
}

// Get implements Backend.
func (s *SQLBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		store.Rebind(s.dialect, `SELECT value, expires_at FROM cache_entries WHERE cache_key = ?`),
		key,
	)
	e := Entry{Key: key}
	var expires int64
	if err := row.Scan(&e.Value, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("select entry: %w", err)
	}
	e.ExpiresAt = time.Unix(0, expires)
	return e, true, nil
}

// Put implements Backend.
func (s *SQLBackend) Put(ctx context.Context, e Entry) error {
	var query string
	if s.dialect == store.DialectPostgres {
		query = `INSERT INTO cache_entries (cache_key, value, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (cache_key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	} else {
		query = `INSERT OR REPLACE INTO cache_entries (cache_key, value, expires_at) VALUES (?, ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, query, e.Key, e.Value, e.ExpiresAt.UnixNano()); err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (s *SQLBackend) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, store.Rebind(s.dialect, `DELETE FROM cache_entries WHERE cache_key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// DeleteExpiredKey implements Backend.
func (s *SQLBackend) DeleteExpiredKey(ctx context.Context, key string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		store.Rebind(s.dialect, `DELETE FROM cache_entries WHERE cache_key = ? AND expires_at <= ?`),
		key, now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("evict entry: %w", err)
	}
	return nil
}

// DeleteExpired implements Backend.
func (s *SQLBackend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		store.Rebind(s.dialect, `DELETE FROM cache_entries WHERE expires_at <= ?`),
		now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return res.RowsAffected()
}

// Count implements Backend.
func (s *SQLBackend) Count(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		store.Rebind(s.dialect, `SELECT COUNT(*) FROM cache_entries WHERE expires_at > ?`),
		now.UnixNano(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

// Close implements Backend.
func (s *SQLBackend) Close() error {
	return s.db.Close()
}

// MemoryBackend keeps entries in a map.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Value = append([]byte(nil), e.Value...)
	m.entries[e.Key] = e
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// DeleteExpiredKey implements Backend.
func (m *MemoryBackend) DeleteExpiredKey(_ context.Context, key string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.expired(now) {
		delete(m.entries, key)
	}
	return nil
}

// DeleteExpired implements Backend.
func (m *MemoryBackend) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Count implements Backend.
func (m *MemoryBackend) Count(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close implements Backend. Entries are kept so a later Connect sees them.
func (m *MemoryBackend) Close() error {
	return nil
}
