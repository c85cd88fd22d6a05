package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/assaab/DeepCompress/internal/batch"
	"github.com/assaab/DeepCompress/internal/cache"
	"github.com/assaab/DeepCompress/internal/config"
	"github.com/assaab/DeepCompress/internal/extract"
	"github.com/assaab/DeepCompress/internal/store"
	"github.com/assaab/DeepCompress/internal/ui"
)

var (
	batchPattern     string
	batchConcurrency int
	batchNoCache     bool
	batchQuiet       bool
	batchEvery       int
	batchOutput      string
)

var batchCmd = &cobra.Command{
	Use:   "batch DIR",
	Short: "Compress every extraction file in a directory",
	Long: `Compresses all extraction files under DIR that match the batch pattern,
using a bounded worker pool. Results already in the cache are reused, and
every compressed document is recorded in the run history.

Examples:
  deepcompress batch ./extractions
  deepcompress batch ./extractions --pattern "**/*.json"
  deepcompress batch ./extractions --concurrency 16 --no-cache
  deepcompress batch ./extractions -o results.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("pattern") {
			cfg.Batch.Pattern = batchPattern
		}
		if cmd.Flags().Changed("concurrency") {
			cfg.Batch.ConcurrencyLimit = batchConcurrency
		}
		if batchNoCache {
			cfg.Cache.Enabled = false
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runBatch(ctx, cfg, args[0])
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.Flags().StringVarP(&batchPattern, "pattern", "p", "", "glob under DIR, ** allowed (default: batch.pattern)")
	batchCmd.Flags().IntVarP(&batchConcurrency, "concurrency", "c", 0, "documents compressed at once (default: batch.concurrency_limit)")
	batchCmd.Flags().BoolVar(&batchNoCache, "no-cache", false, "skip the result cache")
	batchCmd.Flags().BoolVarP(&batchQuiet, "quiet", "q", false, "only print the summary")
	batchCmd.Flags().IntVar(&batchEvery, "progress-every", 10, "print progress every N documents")
	batchCmd.Flags().StringVarP(&batchOutput, "output", "o", "", "write results as JSON lines to this file")
}

func runBatch(ctx context.Context, cfg *config.Config, dir string) error {
	opts := encoderOptions(cfg)
	comp, err := extract.New(opts, cfg.Pricing.Model)
	if err != nil {
		return err
	}

	jobs, err := batch.Glob(dir, cfg.Batch.Pattern)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println(ui.Dimf("No files in %s match %q.", dir, cfg.Batch.Pattern))
		return nil
	}

	st, err := store.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	// A nil *cache.Cache must not reach the interface as a typed nil.
	var (
		rc batch.ResultCache
		c  *cache.Cache
	)
	if cfg.Cache.Enabled {
		c = cache.New(cache.Config{TTL: time.Duration(cfg.Cache.TTL) * time.Second}, cache.DialURL(cfg.CacheURL()))
		if err := c.Connect(ctx); err != nil {
			log.Printf("CACHE: %v; running uncached", err)
		} else {
			defer c.Disconnect()
			if _, err := c.Cleanup(ctx); err != nil {
				log.Printf("CACHE: cleanup: %v", err)
			}
		}
		rc = c
	}

	var out io.Writer
	if batchOutput != "" {
		f, err := os.Create(batchOutput)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	runID := uuid.NewString()
	var (
		failMu   sync.Mutex
		failures []error
	)
	orch, err := batch.New(batch.Config{
		ConcurrencyLimit: cfg.Batch.ConcurrencyLimit,
		Namespace:        cacheNamespace(opts),
		TTL:              time.Duration(cfg.Cache.TTL) * time.Second,
		Debug:            debugEnabled(cfg),
	}, rc,
		batch.WithResultHook(func(job batch.Job, res batch.Result) {
			st.InsertAsync(&store.Record{
				RunID:            runID,
				Timestamp:        time.Now().UTC(),
				SourcePath:       job.SourcePath,
				DocumentID:       res.DocumentID,
				OriginalTokens:   res.OriginalTokens,
				CompressedTokens: res.CompressedTokens,
				TokensSaved:      res.TokensSaved,
				CostSavedUSD:     res.CostSavedUSD,
				ProcessingTimeMS: res.ProcessingTimeMS,
				CacheHit:         res.CacheHit,
			})
		}),
		batch.WithFailureHook(func(_ batch.Job, err error) {
			failMu.Lock()
			failures = append(failures, err)
			failMu.Unlock()
		}),
	)
	if err != nil {
		return err
	}

	if !batchQuiet {
		fmt.Printf("%s %d file(s) from %s, %d worker(s)\n",
			ui.Boldf("Compressing"), len(jobs), dir, cfg.Batch.ConcurrencyLimit)
	}

	start := time.Now()
	var enc *json.Encoder
	if out != nil {
		enc = json.NewEncoder(out)
	}
	n, reused := 0, 0
	for res := range orch.Process(ctx, slices.Values(jobs), comp) {
		n++
		if res.CacheHit {
			reused++
		}
		if enc != nil {
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
		}
		if !batchQuiet && batchEvery > 0 && n%batchEvery == 0 {
			p := orch.Progress()
			fmt.Printf("  %s %d/%d done, %d failed, %s tokens saved\n",
				ui.Dimf("..."), p.Processed, len(jobs), p.Failed, ui.Tokens(p.TotalTokensSaved))
		}
	}

	var cs *cache.Stats
	if c != nil && c.Connected() {
		st := c.Stats()
		cs = &st
	}
	fmt.Println()
	printBatchSummary(os.Stdout, batchSummary{
		Progress: orch.Progress(),
		Total:    len(jobs),
		Reused:   reused,
		Cache:    cs,
		RunID:    runID,
		Elapsed:  time.Since(start),
	})

	if len(failures) > 0 {
		fmt.Println()
		fmt.Println(ui.Redf("Failed documents:"))
		for _, err := range failures {
			fmt.Printf("  %s\n", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch interrupted: %w", err)
	}
	return nil
}

// batchSummary is what printBatchSummary reports. Cache is nil when the run
// had no connected cache.
type batchSummary struct {
	Progress batch.Progress
	Total    int
	Reused   int
	Cache    *cache.Stats
	RunID    string
	Elapsed  time.Duration
}

func printBatchSummary(w io.Writer, s batchSummary) {
	p := s.Progress
	fmt.Fprintln(w, ui.Boldf("Batch Summary")+ui.Dimf(" (run %s)", s.RunID))
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.SetColumnSeparator("  ")
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	table.Append([]string{"Documents", fmt.Sprintf("%d", s.Total)})
	table.Append([]string{"Processed", ui.Greenf("%d", p.Processed)})
	failed := fmt.Sprintf("%d", p.Failed)
	if p.Failed > 0 {
		failed = ui.Redf("%d", p.Failed)
	}
	table.Append([]string{"Failed", failed})
	if skipped := s.Total - p.Processed - p.Failed; skipped > 0 {
		table.Append([]string{"Not started", ui.Yellowf("%d", skipped)})
	}
	table.Append([]string{"Tokens Saved", ui.Tokens(p.TotalTokensSaved)})
	table.Append([]string{"Cost Saved", ui.CostColor(p.TotalCostSavedUSD)})
	table.Append([]string{"Elapsed", s.Elapsed.Round(time.Millisecond).String()})
	if p.Processed > 0 {
		table.Append([]string{"Reused Results", fmt.Sprintf("%d/%d", s.Reused, p.Processed)})
	}
	// Counters cover every lookup, including the recheck before compressing.
	if cs := s.Cache; cs != nil {
		table.Append([]string{"Cache Hits", fmt.Sprintf("%d", cs.Hits)})
		table.Append([]string{"Cache Misses", fmt.Sprintf("%d", cs.Misses)})
		table.Append([]string{"Cache Hit Rate", fmt.Sprintf("%.1f%%", cs.HitRate*100)})
		table.Append([]string{"Cache Writes", fmt.Sprintf("%d", cs.Keys)})
	}

	table.Render()
}
