package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/assaab/DeepCompress/internal/config"
	"github.com/assaab/DeepCompress/internal/encoder"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "deepcompress",
	Short: "Compress document extractions for LLM prompts",
	Long: `deepcompress turns OCR extraction results into a compact tabular
encoding (D-TOON) that costs far fewer prompt tokens than the equivalent JSON.
Batches run on a bounded worker pool and are deduplicated through a result
cache, and every run is recorded for later reporting.

Usage:
  deepcompress init            Initialize configuration
  deepcompress encode FILE     Encode one extraction file
  deepcompress batch DIR       Compress every extraction file in DIR
  deepcompress cache stats     Inspect the result cache
  deepcompress stats           View token and cost savings
  deepcompress export          Export run history to CSV/JSON/XLSX`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.deepcompress/config.yaml)")
}

// loadConfig loads the config file, writing the defaults on first use.
func loadConfig() (*config.Config, string, error) {
	cfg, path, err := config.LoadOrCreate(cfgFile)
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}

func debugEnabled(cfg *config.Config) bool {
	return strings.EqualFold(cfg.LogLevel, "debug")
}

func encoderOptions(cfg *config.Config) encoder.Options {
	return encoder.Options{
		IncludeBBox:       cfg.Encoding.IncludeBBox,
		IncludeConfidence: cfg.Encoding.IncludeConfidence,
		MinConfidence:     cfg.Encoding.MinConfidence,
	}
}

// cacheNamespace keys cached results by the options that shaped them, so a
// change of options never serves a stale encoding.
func cacheNamespace(opts encoder.Options) string {
	return fmt.Sprintf("d-toon/v1 bbox=%t conf=%t min=%g",
		opts.IncludeBBox, opts.IncludeConfidence, opts.MinConfidence)
}
