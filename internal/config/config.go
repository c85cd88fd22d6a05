package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Database string         `yaml:"database"`
	LogLevel string         `yaml:"log_level"`
	Encoding EncodingConfig `yaml:"encoding"`
	Cache    CacheConfig    `yaml:"cache"`
	Batch    BatchConfig    `yaml:"batch"`
	Pricing  PricingConfig  `yaml:"pricing"`
}

// EncodingConfig defines which fields and columns the encoder emits.
type EncodingConfig struct {
	IncludeBBox       bool    `yaml:"include_bbox"`
	IncludeConfidence bool    `yaml:"include_confidence"`
	MinConfidence     float64 `yaml:"min_confidence"`
}

// CacheConfig defines the result cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	TTL     int    `yaml:"ttl"` // seconds
}

// BatchConfig defines batch processing.
type BatchConfig struct {
	ConcurrencyLimit int    `yaml:"concurrency_limit"`
	Pattern          string `yaml:"pattern"`
}

// PricingConfig names the model whose input price values saved tokens.
type PricingConfig struct {
	Model string `yaml:"model"`
}

// Error reports an invalid configuration value. It is returned before any
// work starts.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// DefaultConfigDir returns the default configuration directory (~/.deepcompress).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".deepcompress"), nil
}

// DefaultConfigPath returns the path to the default config file.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the path to the default database file.
func DefaultDBPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "deepcompress.db"), nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	dbPath, _ := DefaultDBPath()
	return Config{
		Database: dbPath,
		LogLevel: "info",
		Cache: CacheConfig{
			Enabled: true,
			TTL:     86400,
		},
		Batch: BatchConfig{
			ConcurrencyLimit: 8,
			Pattern:          "*.json",
		},
		Pricing: PricingConfig{
			Model: "gpt-4o",
		},
	}
}

// CacheURL returns the cache backing store URL, falling back to the database.
func (c *Config) CacheURL() string {
	if c.Cache.URL != "" {
		return c.Cache.URL
	}
	return c.Database
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if m := c.Encoding.MinConfidence; math.IsNaN(m) || m < 0 || m > 1 {
		return &Error{Field: "encoding.min_confidence", Reason: fmt.Sprintf("%v is outside [0,1]", m)}
	}
	if c.Batch.ConcurrencyLimit <= 0 {
		return &Error{Field: "batch.concurrency_limit", Reason: fmt.Sprintf("%d must be positive", c.Batch.ConcurrencyLimit)}
	}
	if c.Cache.TTL < 0 {
		return &Error{Field: "cache.ttl", Reason: fmt.Sprintf("%d must not be negative", c.Cache.TTL)}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return &Error{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	return nil
}

// Load reads a config file from disk. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to disk, creating directories as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return write(path, data)
}

// SaveWithComments writes the config to disk with guidance comments.
// Used by `init` to generate a self-documenting config file.
func SaveWithComments(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return write(path, addConfigComments(data))
}

func write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// addConfigComments appends # comments to known option lines.
func addConfigComments(data []byte) []byte {
	notes := map[string]string{
		"include_bbox:":       "emit a bbox column (x y w h)",
		"include_confidence:": "emit a conf column",
		"min_confidence:":     "drop fields below this confidence, 0..1",
		"url:":                "memory:, postgres://..., or a SQLite path (empty: use database)",
		"ttl:":                "seconds",
		"concurrency_limit:":  "documents compressed at once",
		"pattern:":            "glob under the batch directory, ** allowed",
		"model:":              "prices saved tokens",
	}

	var result []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		for prefix, note := range notes {
			if strings.HasPrefix(trimmed, prefix) && !strings.Contains(line, "#") {
				line += " # " + note
				break
			}
		}
		result = append(result, line)
	}
	return []byte(strings.Join(result, "\n"))
}

// LoadOrCreate loads the config from path (or the default path when empty),
// creating it with defaults if it does not exist.
func LoadOrCreate(path string) (*Config, string, error) {
	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, "", err
		}
	}

	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			def := DefaultConfig()
			if saveErr := SaveWithComments(path, &def); saveErr != nil {
				return nil, "", fmt.Errorf("create default config: %w", saveErr)
			}
			if err := ApplyEnv(&def); err != nil {
				return nil, "", err
			}
			if err := def.Validate(); err != nil {
				return nil, "", err
			}
			return &def, path, nil
		}
		return nil, "", err
	}

	return cfg, path, nil
}
