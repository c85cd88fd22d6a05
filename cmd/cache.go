package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/assaab/DeepCompress/internal/batch"
	"github.com/assaab/DeepCompress/internal/cache"
	"github.com/assaab/DeepCompress/internal/config"
	"github.com/assaab/DeepCompress/internal/ui"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache location and live entry count",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cfg, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Disconnect()

		n, err := c.Count(cmd.Context())
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Setting", "Value"})
		table.SetBorder(false)
		table.SetColumnSeparator("  ")
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

		table.Append([]string{"Store", cfg.CacheURL()})
		table.Append([]string{"TTL", c.TTL().String()})
		table.Append([]string{"Live Entries", ui.Tokens(int(n))})
		table.Append([]string{"Namespace", cacheNamespace(encoderOptions(cfg))})
		table.Render()
		return nil
	},
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Disconnect()

		n, err := c.Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d expired entr%s.\n", n, plural(n, "y", "ies"))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear FILE...",
	Short: "Drop cached results for the given extraction files",
	Long: `Removes the cached results of the given files under the current encoding
options, so the next batch compresses them again.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cfg, err := openCache(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Disconnect()

		ns := cacheNamespace(encoderOptions(cfg))
		var cleared int64
		for _, path := range args {
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			key := cache.Key(ns, batch.Fingerprint(path, info))
			ok, err := c.Exists(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println(ui.Dimf("  not cached  %s", path))
				continue
			}
			if err := c.Delete(cmd.Context(), key); err != nil {
				return err
			}
			cleared++
			fmt.Printf("  %s  %s\n", ui.Greenf("cleared"), path)
		}
		fmt.Printf("Cleared %d entr%s.\n", cleared, plural(cleared, "y", "ies"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheCleanupCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// openCache connects to the configured cache. Unlike a batch, maintenance
// commands fail when the cache is unreachable.
func openCache(ctx context.Context) (*cache.Cache, *config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Cache.Enabled {
		return nil, nil, fmt.Errorf("cache is disabled (cache.enabled: false)")
	}
	if cfg.CacheURL() == cache.MemoryURL {
		return nil, nil, fmt.Errorf("the memory cache only lives for one batch; nothing to inspect")
	}

	c := cache.New(cache.Config{TTL: time.Duration(cfg.Cache.TTL) * time.Second}, cache.DialURL(cfg.CacheURL()))
	if err := c.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
