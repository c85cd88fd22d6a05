package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/assaab/DeepCompress/internal/cache"
	"github.com/assaab/DeepCompress/internal/config"
	"github.com/assaab/DeepCompress/internal/pricing"
	"github.com/assaab/DeepCompress/internal/store"
	"github.com/assaab/DeepCompress/internal/ui"
)

// Status represents the result of a health check.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	StatusFail
)

// Result holds the outcome of a single check.
type Result struct {
	Name    string
	Status  Status
	Message string
}

// Check is a single health check function.
type Check func(cfg *config.Config, configPath string) Result

// checkTimeout bounds checks that open connections.
const checkTimeout = 10 * time.Second

// Run executes all checks and prints a diagnostic report.
func Run(w io.Writer, cfg *config.Config, configPath string) int {
	checks := []Check{
		CheckConfigPermissions,
		CheckOptions,
		CheckPricingModel,
		CheckDatabase,
		CheckCache,
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, ui.Boldf("  deepcompress doctor"))
	fmt.Fprintln(w)

	var fails int
	for _, check := range checks {
		result := check(cfg, configPath)
		icon := statusIcon(result.Status)
		fmt.Fprintf(w, "  %s  %s\n", icon, result.Message)
		if result.Status == StatusFail {
			fails++
		}
	}

	fmt.Fprintln(w)
	if fails == 0 {
		fmt.Fprintln(w, ui.Greenf("  All checks passed!"))
	} else {
		fmt.Fprintln(w, ui.Redf("  %d check(s) failed", fails))
	}
	fmt.Fprintln(w)
	return fails
}

func statusIcon(s Status) string {
	switch s {
	case StatusPass:
		return ui.Greenf("PASS")
	case StatusWarn:
		return ui.Yellowf("WARN")
	case StatusFail:
		return ui.Redf("FAIL")
	default:
		return "????"
	}
}

// CheckConfigPermissions verifies config file is not world-readable.
func CheckConfigPermissions(_ *config.Config, configPath string) Result {
	info, err := os.Stat(configPath)
	if err != nil {
		return Result{Name: "config_permissions", Status: StatusFail,
			Message: fmt.Sprintf("Config file: cannot stat %s: %v", configPath, err)}
	}
	perm := info.Mode().Perm()
	if perm&0o077 != 0 {
		return Result{Name: "config_permissions", Status: StatusWarn,
			Message: fmt.Sprintf("Config file: %s is %o (should be 0600, may contain database credentials)", configPath, perm)}
	}
	return Result{Name: "config_permissions", Status: StatusPass,
		Message: fmt.Sprintf("Config file: %s permissions OK (%o)", configPath, perm)}
}

// CheckOptions re-validates option ranges, catching edits made after load.
func CheckOptions(cfg *config.Config, _ string) Result {
	if err := cfg.Validate(); err != nil {
		return Result{Name: "options", Status: StatusFail,
			Message: fmt.Sprintf("Options: %v", err)}
	}
	return Result{Name: "options", Status: StatusPass,
		Message: fmt.Sprintf("Options: concurrency %d, min confidence %.2f, cache ttl %ds",
			cfg.Batch.ConcurrencyLimit, cfg.Encoding.MinConfidence, cfg.Cache.TTL)}
}

// CheckPricingModel warns when savings would be priced at zero.
func CheckPricingModel(cfg *config.Config, _ string) Result {
	if cfg.Pricing.Model == "" {
		return Result{Name: "pricing", Status: StatusWarn,
			Message: "Pricing: no model configured (cost savings will be $0)"}
	}
	p := pricing.Lookup(cfg.Pricing.Model)
	if p == nil {
		return Result{Name: "pricing", Status: StatusWarn,
			Message: fmt.Sprintf("Pricing: unknown model %q (cost savings will be $0)", cfg.Pricing.Model)}
	}
	return Result{Name: "pricing", Status: StatusPass,
		Message: fmt.Sprintf("Pricing: %s (%s) at $%.2f per 1M input tokens", cfg.Pricing.Model, p.Provider, p.InputPer1M)}
}

// CheckDatabase verifies the results database is reachable and intact.
func CheckDatabase(cfg *config.Config, _ string) Result {
	if cfg.Database == "" {
		return Result{Name: "database", Status: StatusFail,
			Message: "Database: path not configured"}
	}

	if store.DetectDialect(cfg.Database) == store.DialectSQLite {
		if _, err := os.Stat(cfg.Database); os.IsNotExist(err) {
			return Result{Name: "database", Status: StatusWarn,
				Message: fmt.Sprintf("Database: %s does not exist (will be created on first batch)", cfg.Database)}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	db, dialect, err := store.OpenDB(ctx, cfg.Database)
	if err != nil {
		return Result{Name: "database", Status: StatusFail,
			Message: fmt.Sprintf("Database: cannot open: %v", err)}
	}
	defer db.Close()

	if err := store.IntegrityCheck(ctx, db, dialect); err != nil {
		return Result{Name: "database", Status: StatusFail,
			Message: fmt.Sprintf("Database: %v", err)}
	}
	return Result{Name: "database", Status: StatusPass,
		Message: fmt.Sprintf("Database: %s integrity OK", dialect)}
}

// CheckCache connects to the result cache. An unreachable cache only
// disables caching, so it is a warning.
func CheckCache(cfg *config.Config, _ string) Result {
	if !cfg.Cache.Enabled {
		return Result{Name: "cache", Status: StatusPass,
			Message: "Cache: disabled (OK)"}
	}

	url := cfg.CacheURL()
	if url == cache.MemoryURL {
		return Result{Name: "cache", Status: StatusPass,
			Message: "Cache: in-process memory (results are not kept between runs)"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	c := cache.New(cache.Config{TTL: time.Duration(cfg.Cache.TTL) * time.Second}, cache.DialURL(url))
	if err := c.Connect(ctx); err != nil {
		return Result{Name: "cache", Status: StatusWarn,
			Message: fmt.Sprintf("Cache: unavailable, batches will run uncached: %v", err)}
	}
	defer c.Disconnect()

	return Result{Name: "cache", Status: StatusPass,
		Message: fmt.Sprintf("Cache: %s reachable (ttl %s)", store.DetectDialect(url), c.TTL())}
}
