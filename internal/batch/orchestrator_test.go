package batch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/assaab/DeepCompress/internal/cache"
	"github.com/assaab/DeepCompress/internal/config"
)

// countingCompressor returns a fixed result per path and fails the paths in
// fail.
type countingCompressor struct {
	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	delay    time.Duration
	fail     map[string]bool
}

func (c *countingCompressor) Compress(ctx context.Context, path string) (*Result, error) {
	c.calls.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		m := c.maxSeen.Load()
		if n <= m || c.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.fail[path] {
		return nil, fmt.Errorf("cannot read %s", path)
	}
	return &Result{
		DocumentID:       "id-" + path,
		OriginalTokens:   40,
		CompressedTokens: 30,
		CompressionRatio: 40.0 / 30.0,
		OptimizedText:    "fields[1]{name,value}:\n  path," + path,
		TokensSaved:      10,
		CostSavedUSD:     0.001,
		ProcessingTimeMS: 1.5,
	}, nil
}

func makeJobs(n int) []Job {
	jobs := make([]Job, n)
	for i := range jobs {
		p := fmt.Sprintf("doc-%03d.json", i)
		jobs[i] = Job{SourcePath: p, Fingerprint: "fp-" + p}
	}
	return jobs
}

func memoryCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.Config{TTL: time.Hour}, cache.DialURL(cache.MemoryURL))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func collect(seq func(func(Result) bool)) []Result {
	var out []Result
	for r := range seq {
		out = append(out, r)
	}
	return out
}

func TestNew_InvalidConcurrency(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := New(Config{ConcurrencyLimit: n}, nil)
		var cerr *config.Error
		if !errors.As(err, &cerr) {
			t.Errorf("New(limit=%d) error = %v, want *config.Error", n, err)
			continue
		}
		if cerr.Field != "batch.concurrency_limit" {
			t.Errorf("Field = %q, want batch.concurrency_limit", cerr.Field)
		}
	}
}

func TestProcess_ExactlyOnceAccounting(t *testing.T) {
	jobs := makeJobs(50)
	comp := &countingCompressor{fail: map[string]bool{}}
	for i := 0; i < len(jobs); i += 7 {
		comp.fail[jobs[i].SourcePath] = true
	}
	m := len(comp.fail)

	var hookMu sync.Mutex
	failedPaths := map[string]int{}
	var resultHooks atomic.Int64

	o, err := New(Config{ConcurrencyLimit: 4}, memoryCache(t),
		WithFailureHook(func(j Job, err error) {
			var cerr *CompressionError
			if !errors.As(err, &cerr) {
				t.Errorf("failure hook got %T, want *CompressionError", err)
			}
			hookMu.Lock()
			failedPaths[j.SourcePath]++
			hookMu.Unlock()
		}),
		WithResultHook(func(Job, Result) { resultHooks.Add(1) }),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	results := collect(o.Process(context.Background(), slices.Values(jobs), comp))

	p := o.Progress()
	if p.Processed != len(jobs)-m {
		t.Errorf("Processed = %d, want %d", p.Processed, len(jobs)-m)
	}
	if p.Failed != m {
		t.Errorf("Failed = %d, want %d", p.Failed, m)
	}
	if len(results) != len(jobs)-m {
		t.Errorf("emitted %d results, want %d", len(results), len(jobs)-m)
	}
	if p.TotalTokensSaved != 10*(len(jobs)-m) {
		t.Errorf("TotalTokensSaved = %d, want %d", p.TotalTokensSaved, 10*(len(jobs)-m))
	}
	if want := 0.001 * float64(len(jobs)-m); math.Abs(p.TotalCostSavedUSD-want) > 1e-9 {
		t.Errorf("TotalCostSavedUSD = %v, want %v", p.TotalCostSavedUSD, want)
	}
	if int(resultHooks.Load()) != len(results) {
		t.Errorf("result hook called %d times, want %d", resultHooks.Load(), len(results))
	}
	if len(failedPaths) != m {
		t.Errorf("failure hook saw %d jobs, want %d", len(failedPaths), m)
	}
	for path, n := range failedPaths {
		if n != 1 {
			t.Errorf("failure hook called %d times for %s", n, path)
		}
	}
}

func TestProcess_CacheDedupSequential(t *testing.T) {
	job := Job{SourcePath: "a.json", Fingerprint: "fp-a"}
	comp := &countingCompressor{}

	o, err := New(Config{ConcurrencyLimit: 1}, memoryCache(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	results := collect(o.Process(context.Background(), slices.Values([]Job{job, job}), comp))
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if n := comp.calls.Load(); n != 1 {
		t.Errorf("compress called %d times, want 1", n)
	}

	first, second := results[0], results[1]
	if first.CacheHit {
		t.Error("first result CacheHit = true, want false")
	}
	if !second.CacheHit {
		t.Error("second result CacheHit = false, want true")
	}
	second.CacheHit = false
	if first != second {
		t.Errorf("cached result differs:\n%+v\n%+v", first, second)
	}
}

func TestProcess_CacheDedupConcurrent(t *testing.T) {
	job := Job{SourcePath: "a.json", Fingerprint: "fp-a"}
	jobs := []Job{job, job, job, job, job, job}
	comp := &countingCompressor{delay: 20 * time.Millisecond}

	o, err := New(Config{ConcurrencyLimit: len(jobs)}, memoryCache(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	results := collect(o.Process(context.Background(), slices.Values(jobs), comp))
	if len(results) != len(jobs) {
		t.Fatalf("got %d results, want %d", len(results), len(jobs))
	}
	if n := comp.calls.Load(); n != 1 {
		t.Errorf("compress called %d times, want 1", n)
	}
	hits := 0
	for _, r := range results {
		if r.CacheHit {
			hits++
		}
	}
	if hits != len(jobs)-1 {
		t.Errorf("cache hits = %d, want %d", hits, len(jobs)-1)
	}
}

func TestProcess_GracefulCacheDegradation(t *testing.T) {
	// Never connected: every cache operation fails with ErrUnavailable.
	down := cache.New(cache.Config{}, cache.DialURL(cache.MemoryURL))

	jobs := makeJobs(20)
	comp := &countingCompressor{}
	o, err := New(Config{ConcurrencyLimit: 3}, down)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	results := collect(o.Process(context.Background(), slices.Values(jobs), comp))
	if len(results) != len(jobs) {
		t.Fatalf("got %d results, want %d", len(results), len(jobs))
	}
	for _, r := range results {
		if r.CacheHit {
			t.Errorf("result %s has CacheHit = true with cache down", r.DocumentID)
		}
	}
	if p := o.Progress(); p.Processed != len(jobs) || p.Failed != 0 {
		t.Errorf("Progress() = %+v, want %d processed", p, len(jobs))
	}
}

// flakyCache fails every call with a backend error.
type flakyCache struct{}

func (flakyCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("get: %w", cache.ErrUnavailable)
}

func (flakyCache) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("set: %w", cache.ErrUnavailable)
}

func TestProcess_CacheStoreFailureDoesNotFailJob(t *testing.T) {
	comp := &countingCompressor{}
	o, err := New(Config{ConcurrencyLimit: 2}, flakyCache{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	results := collect(o.Process(context.Background(), slices.Values(makeJobs(5)), comp))
	if len(results) != 5 {
		t.Errorf("got %d results, want 5", len(results))
	}
	if p := o.Progress(); p.Failed != 0 {
		t.Errorf("Failed = %d, want 0", p.Failed)
	}
}

func TestProcess_UndecodableEntryIsMiss(t *testing.T) {
	c := memoryCache(t)
	job := Job{SourcePath: "a.json", Fingerprint: "fp-a"}
	if err := c.Set(context.Background(), cache.Key("", job.Fingerprint), []byte("not json"), 0); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	comp := &countingCompressor{}
	o, _ := New(Config{ConcurrencyLimit: 1}, c)
	results := collect(o.Process(context.Background(), slices.Values([]Job{job}), comp))

	if len(results) != 1 || results[0].CacheHit {
		t.Fatalf("results = %+v, want one fresh result", results)
	}
	if comp.calls.Load() != 1 {
		t.Errorf("compress called %d times, want 1", comp.calls.Load())
	}
}

func TestProcess_NamespaceSeparatesEntries(t *testing.T) {
	c := memoryCache(t)
	job := Job{SourcePath: "a.json", Fingerprint: "fp-a"}
	comp := &countingCompressor{}

	for _, ns := range []string{"bbox", "plain"} {
		o, _ := New(Config{ConcurrencyLimit: 1, Namespace: ns}, c)
		collect(o.Process(context.Background(), slices.Values([]Job{job}), comp))
	}
	if comp.calls.Load() != 2 {
		t.Errorf("compress called %d times, want 2", comp.calls.Load())
	}
}

func TestProcess_ConcurrencyLimit(t *testing.T) {
	const limit = 3
	comp := &countingCompressor{delay: 5 * time.Millisecond}
	o, _ := New(Config{ConcurrencyLimit: limit}, nil)

	collect(o.Process(context.Background(), slices.Values(makeJobs(30)), comp))

	if got := comp.maxSeen.Load(); got > limit {
		t.Errorf("max concurrent compressions = %d, want <= %d", got, limit)
	}
	if comp.calls.Load() != 30 {
		t.Errorf("compress called %d times, want 30", comp.calls.Load())
	}
}

func TestProcess_EarlyStop(t *testing.T) {
	comp := &countingCompressor{delay: time.Millisecond}
	o, _ := New(Config{ConcurrencyLimit: 2}, nil)

	seen := 0
	for range o.Process(context.Background(), slices.Values(makeJobs(200)), comp) {
		seen++
		if seen == 5 {
			break
		}
	}

	calls := int(comp.calls.Load())
	if calls >= 200 {
		t.Errorf("compress called %d times after early stop, want fewer than 200", calls)
	}
	// In-flight jobs settled before the loop returned.
	p := o.Progress()
	if p.Processed+p.Failed != calls {
		t.Errorf("Progress() = %+v, want processed+failed = %d calls", p, calls)
	}
	if comp.inFlight.Load() != 0 {
		t.Errorf("%d compressions still running after iteration returned", comp.inFlight.Load())
	}
	if p.Processed < 5 {
		t.Errorf("Processed = %d, want >= 5", p.Processed)
	}
}

func TestProcess_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	comp := &countingCompressor{delay: time.Millisecond}
	o, _ := New(Config{ConcurrencyLimit: 2}, nil)

	seen := 0
	for range o.Process(ctx, slices.Values(makeJobs(200)), comp) {
		seen++
		if seen == 3 {
			cancel()
		}
	}

	calls := int(comp.calls.Load())
	if calls >= 200 {
		t.Errorf("compress called %d times after cancel, want fewer than 200", calls)
	}
	if p := o.Progress(); p.Processed != seen {
		t.Errorf("Processed = %d, want %d emitted", p.Processed, seen)
	}
}

// stalledSource yields one job and then blocks until release is closed.
func stalledSource(release <-chan struct{}) iter.Seq[Job] {
	return func(yield func(Job) bool) {
		if !yield(Job{SourcePath: "first.json", Fingerprint: "fp-first"}) {
			return
		}
		<-release
	}
}

func TestProcess_StalledSource(t *testing.T) {
	tests := []struct {
		name   string
		cancel bool
	}{
		{"consumer break", false},
		{"context cancel", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			t.Cleanup(func() { close(release) })

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			o, _ := New(Config{ConcurrencyLimit: 2}, nil)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for range o.Process(ctx, stalledSource(release), &countingCompressor{}) {
					if !tt.cancel {
						break
					}
					cancel()
				}
			}()

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatalf("Process did not return while the source was blocked; progress=%+v", o.Progress())
			}
			if p := o.Progress(); p.Processed != 1 {
				t.Errorf("Processed = %d, want 1", p.Processed)
			}
		})
	}
}

func TestProcess_InFlightContextNotCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var ctxErr atomic.Value

	comp := CompressorFunc(func(cctx context.Context, path string) (*Result, error) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		if err := cctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		return &Result{DocumentID: path}, nil
	})
	o, _ := New(Config{ConcurrencyLimit: 1}, nil)

	go func() {
		<-started
		cancel()
	}()
	results := collect(o.Process(ctx, slices.Values(makeJobs(1)), comp))

	if v := ctxErr.Load(); v != nil {
		t.Errorf("in-flight compress saw cancelled context: %v", v)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want the in-flight job", len(results))
	}
}

func TestProcess_Restartable(t *testing.T) {
	comp := &countingCompressor{}
	o, _ := New(Config{ConcurrencyLimit: 2}, memoryCache(t))
	seq := o.Process(context.Background(), slices.Values(makeJobs(10)), comp)

	first := collect(seq)
	second := collect(seq)

	if len(first) != 10 || len(second) != 10 {
		t.Fatalf("runs emitted %d and %d results, want 10 each", len(first), len(second))
	}
	if p := o.Progress(); p.Processed != 10 {
		t.Errorf("Processed after second run = %d, want 10 (reset per run)", p.Processed)
	}
	for _, r := range second {
		if !r.CacheHit {
			t.Errorf("second run result %s not served from cache", r.DocumentID)
		}
	}
	if comp.calls.Load() != 10 {
		t.Errorf("compress called %d times, want 10", comp.calls.Load())
	}
}

func TestProcess_PanicIsFailure(t *testing.T) {
	comp := CompressorFunc(func(_ context.Context, path string) (*Result, error) {
		if path == "doc-001.json" {
			panic("boom")
		}
		return &Result{DocumentID: path}, nil
	})
	o, _ := New(Config{ConcurrencyLimit: 2}, nil)

	results := collect(o.Process(context.Background(), slices.Values(makeJobs(3)), comp))
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
	if p := o.Progress(); p.Failed != 1 {
		t.Errorf("Failed = %d, want 1", p.Failed)
	}
}

func TestProcess_NilResultIsFailure(t *testing.T) {
	comp := CompressorFunc(func(context.Context, string) (*Result, error) { return nil, nil })
	o, _ := New(Config{ConcurrencyLimit: 1}, nil)

	collect(o.Process(context.Background(), slices.Values(makeJobs(2)), comp))
	if p := o.Progress(); p.Failed != 2 || p.Processed != 0 {
		t.Errorf("Progress() = %+v, want 2 failed", p)
	}
}

func TestProgress_ConsistentSnapshots(t *testing.T) {
	comp := &countingCompressor{}
	o, _ := New(Config{ConcurrencyLimit: 8}, nil)

	stop := make(chan struct{})
	var torn atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			p := o.Progress()
			if p.TotalTokensSaved != 10*p.Processed {
				torn.Add(1)
			}
		}
	}()

	collect(o.Process(context.Background(), slices.Values(makeJobs(500)), comp))
	close(stop)
	wg.Wait()

	if n := torn.Load(); n != 0 {
		t.Errorf("observed %d torn progress snapshots", n)
	}
}

func TestCompressionError(t *testing.T) {
	cause := errors.New("ocr timeout")
	err := &CompressionError{Job: Job{SourcePath: "x.json"}, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("CompressionError does not unwrap to its cause")
	}
	if err.Error() != "compress x.json: ocr timeout" {
		t.Errorf("Error() = %q", err.Error())
	}
}
