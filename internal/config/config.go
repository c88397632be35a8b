// Package config loads the cache's tuning parameters, in the shape of
// the teacher's internal/config.LoadConfig: a JSON file whose path can
// be overridden by an environment variable, parsed into a typed struct
// with sane defaults for anything the file omits.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// configPathEnv overrides the default config file path, the way the
// teacher's CHANNELS_JSON overrides its channels file.
const configPathEnv = "VIDEOCACHE_CONFIG_PATH"

const (
	defaultMaxBytes      int64 = 200 * 1024 * 1024
	defaultMaxConcurrent int64 = 4
	defaultPrefetchAhead       = 4
	defaultPrefetchBehind      = 2
	defaultPrefetchKeep        = 8
	defaultConnectTimeout      = 8 * time.Second
	defaultIdleTimeout         = 30 * time.Second
)

// Config is the cache's tuning configuration. Every field has a
// built-in default; a config file (or its absence) only overrides what
// it explicitly sets.
type Config struct {
	// CacheRoot overrides the default <os_tmp>/video_cache location.
	// Empty means use the default.
	CacheRoot string `json:"cacheRoot"`

	MaxBytes      int64 `json:"maxBytes"`
	MaxConcurrent int64 `json:"maxConcurrent"`

	PrefetchAhead  int `json:"prefetchAhead"`
	PrefetchBehind int `json:"prefetchBehind"`
	PrefetchKeep   int `json:"prefetchKeep"`

	ConnectTimeout time.Duration `json:"connectTimeoutMs"`
	IdleTimeout    time.Duration `json:"idleTimeoutMs"`

	// ListenAddr is the facade HTTP server's bind address.
	ListenAddr string `json:"listenAddr"`

	// MetricsEnabled toggles the /metrics Prometheus endpoint.
	MetricsEnabled bool `json:"metricsEnabled"`
}

// jsonShape mirrors Config but with millisecond integers for the two
// durations, since encoding/json has no native time.Duration support.
type jsonShape struct {
	CacheRoot        string `json:"cacheRoot"`
	MaxBytes         int64  `json:"maxBytes"`
	MaxConcurrent    int64  `json:"maxConcurrent"`
	PrefetchAhead    int    `json:"prefetchAhead"`
	PrefetchBehind   int    `json:"prefetchBehind"`
	PrefetchKeep     int    `json:"prefetchKeep"`
	ConnectTimeoutMs int    `json:"connectTimeoutMs"`
	IdleTimeoutMs    int    `json:"idleTimeoutMs"`
	ListenAddr       string `json:"listenAddr"`
	MetricsEnabled   bool   `json:"metricsEnabled"`
}

// Default returns the built-in configuration with no file applied.
func Default() Config {
	return Config{
		MaxBytes:       defaultMaxBytes,
		MaxConcurrent:  defaultMaxConcurrent,
		PrefetchAhead:  defaultPrefetchAhead,
		PrefetchBehind: defaultPrefetchBehind,
		PrefetchKeep:   defaultPrefetchKeep,
		ConnectTimeout: defaultConnectTimeout,
		IdleTimeout:    defaultIdleTimeout,
		ListenAddr:     ":8910",
	}
}

// Load reads defaultFilePath (overridable by VIDEOCACHE_CONFIG_PATH),
// applying the fields it sets on top of Default(). A zero or empty
// value counts as unset and leaves the default in place, except for
// metricsEnabled, which is always taken from the file. A missing file
// is not an error: Default() is returned unchanged.
func Load(defaultFilePath string) (Config, error) {
	cfg := Default()

	filePath := os.Getenv(configPathEnv)
	if filePath == "" {
		filePath = defaultFilePath
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", filePath, err)
	}

	var raw jsonShape
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", filePath, err)
	}

	if raw.CacheRoot != "" {
		cfg.CacheRoot = raw.CacheRoot
	}
	if raw.MaxBytes > 0 {
		cfg.MaxBytes = raw.MaxBytes
	}
	if raw.MaxConcurrent > 0 {
		cfg.MaxConcurrent = raw.MaxConcurrent
	}
	if raw.PrefetchAhead > 0 {
		cfg.PrefetchAhead = raw.PrefetchAhead
	}
	if raw.PrefetchBehind > 0 {
		cfg.PrefetchBehind = raw.PrefetchBehind
	}
	if raw.PrefetchKeep > 0 {
		cfg.PrefetchKeep = raw.PrefetchKeep
	}
	if raw.ConnectTimeoutMs > 0 {
		cfg.ConnectTimeout = time.Duration(raw.ConnectTimeoutMs) * time.Millisecond
	}
	if raw.IdleTimeoutMs > 0 {
		cfg.IdleTimeout = time.Duration(raw.IdleTimeoutMs) * time.Millisecond
	}
	if raw.ListenAddr != "" {
		cfg.ListenAddr = raw.ListenAddr
	}
	cfg.MetricsEnabled = raw.MetricsEnabled

	return cfg, nil
}
