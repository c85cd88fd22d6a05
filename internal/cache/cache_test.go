package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/assaab/DeepCompress/internal/store"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, dial Dialer) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(Config{TTL: time.Hour}, dial)
	c.now = clock.now
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c, clock
}

func sqliteDialer(t *testing.T) Dialer {
	t.Helper()
	return DialURL(filepath.Join(t.TempDir(), "cache.db"))
}

// backends runs fn against both the memory and the SQLite backend.
func backends(t *testing.T, fn func(t *testing.T, dial Dialer)) {
	t.Run("memory", func(t *testing.T) { fn(t, DialURL(MemoryURL)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, sqliteDialer(t)) })
}

func TestNew_DefaultTTL(t *testing.T) {
	c := New(Config{}, DialURL(MemoryURL))
	if c.TTL() != DefaultTTL {
		t.Errorf("TTL() = %v, want %v", c.TTL(), DefaultTTL)
	}
}

func TestSetGet(t *testing.T) {
	backends(t, func(t *testing.T, dial Dialer) {
		c, _ := newTestCache(t, dial)
		ctx := context.Background()

		if err := c.Set(ctx, "k", []byte("v1"), 0); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		got, ok, err := c.Get(ctx, "k")
		if err != nil || !ok {
			t.Fatalf("Get() = %q, %v, %v; want hit", got, ok, err)
		}
		if string(got) != "v1" {
			t.Errorf("Get() = %q, want %q", got, "v1")
		}

		// Overwrite.
		if err := c.Set(ctx, "k", []byte("v2"), 0); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		got, _, _ = c.Get(ctx, "k")
		if string(got) != "v2" {
			t.Errorf("Get() after overwrite = %q, want %q", got, "v2")
		}
	})
}

func TestGetAbsent(t *testing.T) {
	backends(t, func(t *testing.T, dial Dialer) {
		c, _ := newTestCache(t, dial)

		got, ok, err := c.Get(context.Background(), "missing")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if ok || got != nil {
			t.Errorf("Get() = %q, %v; want nil, false", got, ok)
		}
		if st := c.Stats(); st.Misses != 1 || st.Hits != 0 {
			t.Errorf("Stats() = %+v, want 1 miss", st)
		}
	})
}

func TestExpiry(t *testing.T) {
	backends(t, func(t *testing.T, dial Dialer) {
		c, clock := newTestCache(t, dial)
		ctx := context.Background()

		if err := c.Set(ctx, "short", []byte("x"), time.Minute); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		if err := c.Set(ctx, "default", []byte("y"), 0); err != nil {
			t.Fatalf("Set() error: %v", err)
		}

		clock.advance(2 * time.Minute)

		if _, ok, _ := c.Get(ctx, "short"); ok {
			t.Error("Get() of expired entry = hit, want miss")
		}
		if _, ok, _ := c.Get(ctx, "default"); !ok {
			t.Error("Get() of entry with default ttl = miss, want hit")
		}

		st := c.Stats()
		if st.Hits != 1 || st.Misses != 1 {
			t.Errorf("Stats() = %+v, want 1 hit and 1 miss", st)
		}

		// Expired entry was evicted by Get.
		clock.advance(-2 * time.Minute)
		if ok, _ := c.Exists(ctx, "short"); ok {
			t.Error("expired entry still stored after Get")
		}
	})
}

// interleavingBackend stores fresh right after the first Get has read its
// entry, the way a concurrent Set from another worker would.
type interleavingBackend struct {
	Backend
	once  sync.Once
	fresh Entry
}

func (b *interleavingBackend) Get(ctx context.Context, key string) (Entry, bool, error) {
	e, ok, err := b.Backend.Get(ctx, key)
	b.once.Do(func() { _ = b.Backend.Put(ctx, b.fresh) })
	return e, ok, err
}

func TestExpiredEvictionKeepsConcurrentSet(t *testing.T) {
	backends(t, func(t *testing.T, dial Dialer) {
		ib := &interleavingBackend{}
		c, clock := newTestCache(t, func(ctx context.Context) (Backend, error) {
			b, err := dial(ctx)
			if err != nil {
				return nil, err
			}
			ib.Backend = b
			return ib, nil
		})
		ctx := context.Background()

		if err := c.Set(ctx, "k", []byte("stale"), time.Minute); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
		clock.advance(2 * time.Minute)
		ib.fresh = Entry{Key: "k", Value: []byte("fresh"), ExpiresAt: clock.now().Add(time.Hour)}

		if _, ok, err := c.Get(ctx, "k"); ok || err != nil {
			t.Fatalf("Get() of expired entry = %v, %v; want miss", ok, err)
		}
		got, ok, err := c.Get(ctx, "k")
		if err != nil || !ok {
			t.Fatalf("Get() = %v, %v; want the concurrently stored entry", ok, err)
		}
		if string(got) != "fresh" {
			t.Errorf("Get() = %q, want %q", got, "fresh")
		}
	})
}

func TestExistsDoesNotCount(t *testing.T) {
	backends(t, func(t *testing.T, dial Dialer) {
		c, _ := newTestCache(t, dial)
		ctx := context.Background()
		c.Set(ctx, "k", []byte("v"), 0)

		if ok, err := c.Exists(ctx, "k"); err != nil || !ok {
			t.Errorf("Exists(k) = %v, %v; want true", ok, err)
		}
		if ok, err := c.Exists(ctx, "nope"); err != nil || ok {
			t.Errorf("Exists(nope) = %v, %v; want false", ok, err)
		}
		if st := c.Stats(); st.Hits != 0 || st.Misses != 0 {
			t.Errorf("Stats() = %+v, want no hits or misses", st)
		}
	})
}

func TestDeleteAndCleanup(t *testing.T) {
	backends(t, func(t *testing.T, dial Dialer) {
		c, clock := newTestCache(t, dial)
		ctx := context.Background()

		c.Set(ctx, "a", []byte("1"), time.Minute)
		c.Set(ctx, "b", []byte("2"), time.Minute)
		c.Set(ctx, "c", []byte("3"), 3*time.Hour)

		if err := c.Delete(ctx, "a"); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if ok, _ := c.Exists(ctx, "a"); ok {
			t.Error("deleted key still exists")
		}

		clock.advance(2 * time.Hour)
		n, err := c.Cleanup(ctx)
		if err != nil {
			t.Fatalf("Cleanup() error: %v", err)
		}
		if n != 1 {
			t.Errorf("Cleanup() purged %d, want 1", n)
		}
		if ok, _ := c.Exists(ctx, "c"); !ok {
			t.Error("unexpired key was purged")
		}
	})
}

func TestCount(t *testing.T) {
	backends(t, func(t *testing.T, dial Dialer) {
		c, clock := newTestCache(t, dial)
		ctx := context.Background()

		c.Set(ctx, "a", []byte("1"), time.Minute)
		c.Set(ctx, "b", []byte("2"), 3*time.Hour)
		c.Set(ctx, "b", []byte("3"), 3*time.Hour)

		n, err := c.Count(ctx)
		if err != nil {
			t.Fatalf("Count() error: %v", err)
		}
		if n != 2 {
			t.Errorf("Count() = %d, want 2", n)
		}

		clock.advance(time.Hour)
		if n, _ := c.Count(ctx); n != 1 {
			t.Errorf("Count() after expiry = %d, want 1", n)
		}
		if st := c.Stats(); st.Hits != 0 || st.Misses != 0 {
			t.Errorf("Count() touched counters: %+v", st)
		}
	})
}

func TestStats(t *testing.T) {
	c, _ := newTestCache(t, DialURL(MemoryURL))
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), 0)
	c.Set(ctx, "a", []byte("2"), 0)
	c.Set(ctx, "b", []byte("3"), 0)
	c.Get(ctx, "a")
	c.Get(ctx, "b")
	c.Get(ctx, "b")
	c.Get(ctx, "zzz")

	st := c.Stats()
	if st.Hits != 3 || st.Misses != 1 {
		t.Errorf("Hits/Misses = %d/%d, want 3/1", st.Hits, st.Misses)
	}
	if st.Keys != 3 {
		t.Errorf("Keys = %d, want 3 writes", st.Keys)
	}
	if st.HitRate != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", st.HitRate)
	}
}

func TestStatsResetOnReconnect(t *testing.T) {
	dial := DialURL(MemoryURL)
	c, _ := newTestCache(t, dial)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), 0)
	c.Get(ctx, "a")

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if st := c.Stats(); st != (Stats{}) {
		t.Errorf("Stats() after reconnect = %+v, want zero", st)
	}
	// Memory entries survive a reconnect of the same dialer.
	if _, ok, _ := c.Get(ctx, "a"); !ok {
		t.Error("entry lost across reconnect")
	}
}

func TestStatsMonotonicConcurrent(t *testing.T) {
	c, _ := newTestCache(t, DialURL(MemoryURL))
	ctx := context.Background()
	c.Set(ctx, "hot", []byte("v"), 0)

	const workers, per = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				if i%2 == 0 {
					c.Get(ctx, "hot")
				} else {
					c.Get(ctx, "cold")
				}
			}
		}(w)
	}

	var last Stats
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		st := c.Stats()
		if st.Hits < last.Hits || st.Misses < last.Misses {
			t.Fatalf("counters went backwards: %+v then %+v", last, st)
		}
		last = st
		select {
		case <-done:
			st := c.Stats()
			if st.Hits+st.Misses != workers*per {
				t.Errorf("hits+misses = %d, want %d", st.Hits+st.Misses, workers*per)
			}
			return
		default:
		}
	}
}

func TestUnavailableWhenDisconnected(t *testing.T) {
	c := New(Config{}, DialURL(MemoryURL))
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 0); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Set() error = %v, want ErrUnavailable", err)
	}
	if _, _, err := c.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}
	if _, err := c.Exists(ctx, "k"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Exists() error = %v, want ErrUnavailable", err)
	}
	if st := c.Stats(); st != (Stats{}) {
		t.Errorf("Stats() = %+v, want zero after failed ops", st)
	}
}

// brokenBackend fails every call.
type brokenBackend struct{}

var errBroken = errors.New("disk on fire")

func (brokenBackend) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errBroken
}
func (brokenBackend) Put(context.Context, Entry) error { return errBroken }
func (brokenBackend) Delete(context.Context, string) error { return errBroken }
func (brokenBackend) DeleteExpiredKey(context.Context, string, time.Time) error {
	return errBroken
}
func (brokenBackend) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, errBroken
}
func (brokenBackend) Count(context.Context, time.Time) (int64, error) {
	return 0, errBroken
}
func (brokenBackend) Close() error { return nil }

func TestBackendFailureIsUnavailable(t *testing.T) {
	c, _ := newTestCache(t, func(context.Context) (Backend, error) { return brokenBackend{}, nil })
	ctx := context.Background()

	_, _, err := c.Get(ctx, "k")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get() error = %v, want ErrUnavailable", err)
	}
	if !errors.Is(err, errBroken) {
		t.Errorf("Get() error = %v, want cause preserved", err)
	}
	if err := c.Set(ctx, "k", nil, 0); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Set() error = %v, want ErrUnavailable", err)
	}
	if st := c.Stats(); st.Keys != 0 || st.Misses != 0 {
		t.Errorf("Stats() = %+v, want failed ops uncounted", st)
	}
}

func TestConnectError(t *testing.T) {
	dialErr := errors.New("refused")
	c := New(Config{}, func(context.Context) (Backend, error) { return nil, dialErr })

	err := c.Connect(context.Background())
	if !errors.Is(err, dialErr) {
		t.Errorf("Connect() error = %v, want %v", err, dialErr)
	}
	if c.Connected() {
		t.Error("Connected() = true after failed Connect")
	}
}

func TestSQLBackendSharesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")

	s, err := store.New(path)
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	defer s.Close()

	c, _ := newTestCache(t, DialURL(path))
	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 1 {
		t.Errorf("cache_entries rows = %d, want 1", count)
	}
}

func TestKey(t *testing.T) {
	a := Key("opts", "fp1")
	if len(a) != 64 {
		t.Errorf("len(Key()) = %d, want 64", len(a))
	}
	if a != Key("opts", "fp1") {
		t.Error("Key() not deterministic")
	}
	if a == Key("opts", "fp2") || a == Key("optsfp1") {
		t.Error("Key() collides on different parts")
	}
}
