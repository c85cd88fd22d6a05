// Package cache is a TTL key-value cache for compression results, backed by
// SQLite, PostgreSQL or process memory.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable is returned when the cache is not connected or its backing
// store fails. Callers treat it as a miss.
var ErrUnavailable = errors.New("cache unavailable")

// DefaultTTL applies when Config.TTL is not positive.
const DefaultTTL = 24 * time.Hour

// Config defines cache settings.
type Config struct {
	TTL time.Duration
}

// Entry is a stored value with its absolute expiry.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats is a snapshot of cache counters since the last Connect.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Keys    int64   `json:"keys"`
	HitRate float64 `json:"hit_rate"`
}

// Backend stores entries. Implementations must be safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	// DeleteExpiredKey removes key only if its entry is still expired at now.
	DeleteExpiredKey(ctx context.Context, key string, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// Count returns the number of entries still live at now.
	Count(ctx context.Context, now time.Time) (int64, error)
	Close() error
}

// Dialer establishes a backend connection.
type Dialer func(ctx context.Context) (Backend, error)

// Cache tracks hit/miss counters over a Backend. The zero connection state
// is disconnected; every operation then fails with ErrUnavailable.
type Cache struct {
	dial Dialer
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	backend Backend

	statsMu sync.Mutex
	stats   Stats
}

// New creates a disconnected Cache.
func New(cfg Config, dial Dialer) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Cache{dial: dial, ttl: cfg.TTL, now: time.Now}
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Connect dials the backend and resets the counters. Connecting an already
// connected cache is a no-op.
func (c *Cache) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend != nil {
		return nil
	}
	b, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	c.backend = b

	c.statsMu.Lock()
	c.stats = Stats{}
	c.statsMu.Unlock()
	return nil
}

// Disconnect closes the backend. Subsequent operations fail with
// ErrUnavailable until the next Connect.
func (c *Cache) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend == nil {
		return nil
	}
	err := c.backend.Close()
	c.backend = nil
	if err != nil {
		return fmt.Errorf("close cache backend: %w", err)
	}
	return nil
}

// Connected reports whether the cache has a live backend.
func (c *Cache) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend != nil
}

// withBackend runs fn under the read lock so Disconnect waits for it.
func (c *Cache) withBackend(op, key string, fn func(Backend) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.backend == nil {
		return fmt.Errorf("%s %q: %w", op, key, ErrUnavailable)
	}
	if err := fn(c.backend); err != nil {
		return fmt.Errorf("%s %q: %w: %w", op, key, ErrUnavailable, err)
	}
	return nil
}

// Set stores value under key with absolute expiry now+ttl, overwriting any
// previous entry. A non-positive ttl uses the configured default.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	e := Entry{Key: key, Value: value, ExpiresAt: c.now().Add(ttl)}
	err := c.withBackend("set", key, func(b Backend) error {
		return b.Put(ctx, e)
	})
	if err != nil {
		return err
	}

	c.statsMu.Lock()
	c.stats.Keys++
	c.statsMu.Unlock()
	return nil
}

// Get returns the value stored under key. An absent or expired entry is
// reported as (nil, false, nil) and counted as a miss; expired entries are
// evicted. Errors are not counted.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		entry Entry
		found bool
	)
	now := c.now()
	err := c.withBackend("get", key, func(b Backend) error {
		var err error
		entry, found, err = b.Get(ctx, key)
		if err != nil {
			return err
		}
		if found && entry.expired(now) {
			found = false
			if err := b.DeleteExpiredKey(ctx, key, now); err != nil {
				log.Printf("CACHE: evict %q: %v", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	c.statsMu.Lock()
	if found {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.statsMu.Unlock()

	if !found {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Exists reports whether an unexpired entry is stored under key. It does not
// touch the counters.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	var found bool
	now := c.now()
	err := c.withBackend("exists", key, func(b Backend) error {
		e, ok, err := b.Get(ctx, key)
		if err != nil {
			return err
		}
		found = ok && !e.expired(now)
		return nil
	})
	return found, err
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.withBackend("delete", key, func(b Backend) error {
		return b.Delete(ctx, key)
	})
}

// Cleanup removes expired entries and returns how many were purged.
func (c *Cache) Cleanup(ctx context.Context) (int64, error) {
	var n int64
	err := c.withBackend("cleanup", "*", func(b Backend) error {
		var err error
		n, err = b.DeleteExpired(ctx, c.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("CACHE: purged %d expired entries", n)
	}
	return n, nil
}

// Count returns the number of unexpired entries in the backing store,
// including those written by other processes.
func (c *Cache) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.withBackend("count", "*", func(b Backend) error {
		var err error
		n, err = b.Count(ctx, c.now())
		return err
	})
	return n, err
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	st := c.stats
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// Key derives a fixed-length cache key from its parts.
func Key(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])
}
