// Package batch runs a compress capability over many documents with a fixed
// worker pool, deduplicating work through a result cache.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/assaab/DeepCompress/internal/cache"
	"github.com/assaab/DeepCompress/internal/config"
)

// Job is one document to compress. Fingerprint identifies its content and
// is the cache key.
type Job struct {
	SourcePath  string `json:"source_path"`
	Fingerprint string `json:"fingerprint"`
}

// Result is the outcome of compressing one document. It is never mutated
// after the orchestrator emits it.
type Result struct {
	DocumentID       string  `json:"document_id"`
	OriginalTokens   int     `json:"original_tokens"`
	CompressedTokens int     `json:"compressed_tokens"`
	CompressionRatio float64 `json:"compression_ratio"`
	OptimizedText    string  `json:"optimized_text"`
	TokensSaved      int     `json:"tokens_saved"`
	CostSavedUSD     float64 `json:"cost_saved_usd"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`
	CacheHit         bool    `json:"cache_hit"`
}

// Progress aggregates the terminal states of a batch.
type Progress struct {
	Processed         int     `json:"processed"`
	Failed            int     `json:"failed"`
	TotalTokensSaved  int     `json:"total_tokens_saved"`
	TotalCostSavedUSD float64 `json:"total_cost_saved_usd"`
}

// Compressor compresses the document at path. It may block for a long time
// and is not retried.
type Compressor interface {
	Compress(ctx context.Context, path string) (*Result, error)
}

// CompressorFunc adapts a function to Compressor.
type CompressorFunc func(ctx context.Context, path string) (*Result, error)

// Compress implements Compressor.
func (f CompressorFunc) Compress(ctx context.Context, path string) (*Result, error) {
	return f(ctx, path)
}

// ResultCache is the part of *cache.Cache the orchestrator uses.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CompressionError reports a job that reached the Failed state.
type CompressionError struct {
	Job Job
	Err error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compress %s: %v", e.Job.SourcePath, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// Config defines orchestrator settings.
type Config struct {
	ConcurrencyLimit int
	// Namespace is mixed into every cache key so results produced under
	// different encoding options never collide.
	Namespace string
	// TTL for stored results; zero uses the cache default.
	TTL time.Duration
	// Debug logs every job transition.
	Debug bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFailureHook registers fn to be called for every failed job. fn runs on
// a worker goroutine and must be safe for concurrent use.
func WithFailureHook(fn func(Job, error)) Option {
	return func(o *Orchestrator) { o.onFailure = fn }
}

// WithResultHook registers fn to be called for every completed job before
// its result is emitted. fn runs on a worker goroutine and must be safe for
// concurrent use.
func WithResultHook(fn func(Job, Result)) Option {
	return func(o *Orchestrator) { o.onResult = fn }
}

// Orchestrator schedules jobs on a bounded worker pool.
type Orchestrator struct {
	cfg   Config
	cache ResultCache
	group singleflight.Group

	onFailure func(Job, error)
	onResult  func(Job, Result)

	mu       sync.Mutex
	progress Progress
}

// New validates cfg and returns an Orchestrator. A nil cache disables
// caching; concurrent duplicates are still compressed once.
func New(cfg Config, c ResultCache, opts ...Option) (*Orchestrator, error) {
	if cfg.ConcurrencyLimit <= 0 {
		return nil, &config.Error{
			Field:  "batch.concurrency_limit",
			Reason: fmt.Sprintf("%d must be positive", cfg.ConcurrencyLimit),
		}
	}
	o := &Orchestrator{cfg: cfg, cache: c}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Progress returns a consistent snapshot of the current batch.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

func (o *Orchestrator) reset() {
	o.mu.Lock()
	o.progress = Progress{}
	o.mu.Unlock()
}

func (o *Orchestrator) done(r Result) {
	o.mu.Lock()
	o.progress.Processed++
	o.progress.TotalTokensSaved += r.TokensSaved
	o.progress.TotalCostSavedUSD += r.CostSavedUSD
	o.mu.Unlock()
}

func (o *Orchestrator) failed() {
	o.mu.Lock()
	o.progress.Failed++
	o.mu.Unlock()
}

// Process returns a lazy sequence of results, one per job that reaches the
// Done state, in completion order. Each iteration starts a new batch and
// resets Progress; only one iteration may run at a time.
//
// When the consumer stops early or ctx is cancelled, no further jobs are
// admitted. Jobs already running finish with an uncancelled context and are
// counted, and the iteration returns only once they have settled.
func (o *Orchestrator) Process(ctx context.Context, source iter.Seq[Job], compress Compressor) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		o.reset()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		jobs := make(chan Job)
		results := make(chan Result)

		go func() {
			defer close(jobs)
			for job := range source {
				select {
				case jobs <- job:
				case <-ctx.Done():
					return
				}
			}
		}()

		var wg sync.WaitGroup
		for i := 0; i < o.cfg.ConcurrencyLimit; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// The source may block indefinitely, so jobs is not
				// guaranteed to close; ctx ends the worker either way.
				for {
					var job Job
					select {
					case <-ctx.Done():
						return
					case j, ok := <-jobs:
						if !ok || ctx.Err() != nil {
							return
						}
						job = j
					}
					if res, ok := o.run(ctx, job, compress); ok {
						results <- res
					}
				}
			}()
		}

		go func() {
			wg.Wait()
			close(results)
		}()

		for res := range results {
			if !yield(res) {
				cancel()
				break
			}
		}
		// Let in-flight jobs settle so Progress is final.
		for range results {
		}
	}
}

// flight is the value shared by concurrent duplicates of one fingerprint.
type flight struct {
	res Result
	hit bool
}

// run takes one job to a terminal state and reports whether it is Done.
func (o *Orchestrator) run(ctx context.Context, job Job, compress Compressor) (Result, bool) {
	ctx = context.WithoutCancel(ctx)
	key := cache.Key(o.cfg.Namespace, job.Fingerprint)

	if res, ok := o.lookup(ctx, key); ok {
		return o.finish(job, res), true
	}

	executed := false
	v, err, _ := o.group.Do(key, func() (any, error) {
		executed = true
		// A duplicate may have stored its result between our lookup and now.
		if res, ok := o.lookup(ctx, key); ok {
			return flight{res: res, hit: true}, nil
		}
		res, err := o.compress(ctx, job, compress)
		if err != nil {
			return nil, err
		}
		o.store(ctx, key, res)
		return flight{res: res}, nil
	})
	if err != nil {
		o.fail(job, err)
		return Result{}, false
	}

	f := v.(flight)
	res := f.res
	res.CacheHit = f.hit || !executed
	return o.finish(job, res), true
}

func (o *Orchestrator) compress(ctx context.Context, job Job, compress Compressor) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	start := time.Now()
	r, err := compress.Compress(ctx, job.SourcePath)
	if err != nil {
		return Result{}, err
	}
	if r == nil {
		return Result{}, errors.New("compressor returned no result")
	}
	res = *r
	res.CacheHit = false
	if res.ProcessingTimeMS == 0 {
		res.ProcessingTimeMS = float64(time.Since(start).Microseconds()) / 1000
	}
	return res, nil
}

// lookup returns a cached result. Any cache problem degrades to a miss.
func (o *Orchestrator) lookup(ctx context.Context, key string) (Result, bool) {
	if o.cache == nil {
		return Result{}, false
	}
	data, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		if o.cfg.Debug || !errors.Is(err, cache.ErrUnavailable) {
			log.Printf("BATCH: cache lookup: %v", err)
		}
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		log.Printf("BATCH: discarding undecodable cache entry %s: %v", key, err)
		return Result{}, false
	}
	res.CacheHit = true
	return res, true
}

// store is best effort: a failed write only loses the cache benefit.
func (o *Orchestrator) store(ctx context.Context, key string, res Result) {
	if o.cache == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		log.Printf("BATCH: encode result for cache: %v", err)
		return
	}
	if err := o.cache.Set(ctx, key, data, o.cfg.TTL); err != nil && o.cfg.Debug {
		log.Printf("BATCH: cache store: %v", err)
	}
}

func (o *Orchestrator) finish(job Job, res Result) Result {
	o.done(res)
	if o.cfg.Debug {
		log.Printf("BATCH: done %s (saved %d tokens, cache_hit=%t)", job.SourcePath, res.TokensSaved, res.CacheHit)
	}
	if o.onResult != nil {
		o.onResult(job, res)
	}
	return res
}

func (o *Orchestrator) fail(job Job, err error) {
	o.failed()
	cerr := &CompressionError{Job: job, Err: err}
	log.Printf("BATCH: %v", cerr)
	if o.onFailure != nil {
		o.onFailure(job, cerr)
	}
}
