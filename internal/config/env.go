package config

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables that override file values.
const (
	EnvCacheURL         = "DEEPCOMPRESS_CACHE_URL"
	EnvCacheTTL         = "DEEPCOMPRESS_CACHE_TTL"
	EnvConcurrencyLimit = "DEEPCOMPRESS_CONCURRENCY_LIMIT"
	EnvMinConfidence    = "DEEPCOMPRESS_MIN_CONFIDENCE"
	EnvDatabase         = "DEEPCOMPRESS_DATABASE"
)

// ApplyEnv overrides cfg with any DEEPCOMPRESS_* variables that are set.
// A variable that does not parse is a configuration error.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv(EnvDatabase); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv(EnvCacheURL); v != "" {
		cfg.Cache.URL = v
	}

	var err error
	if cfg.Cache.TTL, err = getEnvAsInt(EnvCacheTTL, cfg.Cache.TTL); err != nil {
		return err
	}
	if cfg.Batch.ConcurrencyLimit, err = getEnvAsInt(EnvConcurrencyLimit, cfg.Batch.ConcurrencyLimit); err != nil {
		return err
	}
	if cfg.Encoding.MinConfidence, err = getEnvAsFloat(EnvMinConfidence, cfg.Encoding.MinConfidence); err != nil {
		return err
	}
	return nil
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &Error{Field: key, Reason: fmt.Sprintf("%q is not an integer", value)}
	}
	return n, nil
}

func getEnvAsFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &Error{Field: key, Reason: fmt.Sprintf("%q is not a number", value)}
	}
	return f, nil
}
