// Package config provides configuration loading for the LabSync core.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Network  NetworkConfig  `yaml:"network"`
	Queue    QueueConfig    `yaml:"queue"`
	AutoSave AutoSaveConfig `yaml:"autosave"`
	Cache    CacheConfig    `yaml:"cache"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	DataDir  string         `yaml:"data_dir"`
}

// StoreConfig points at the hosted versioned record store.
type StoreConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	RealtimeURL string        `yaml:"realtime_url"` // websocket change feed, optional
}

// NetworkConfig controls the connectivity monitor.
type NetworkConfig struct {
	ProbeURL         string        `yaml:"probe_url"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	UnstableRTT      time.Duration `yaml:"unstable_rtt"`
	OfflineThreshold int           `yaml:"offline_threshold"` // consecutive failed probes
}

// QueueConfig controls the offline mutation queue.
type QueueConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	AlwaysQueue   bool          `yaml:"always_queue"` // queue-then-flush even when online
}

// AutoSaveConfig controls the per-record save engines.
type AutoSaveConfig struct {
	Debounce   time.Duration `yaml:"debounce"`
	OnlineOnly bool          `yaml:"online_only"`
}

// CacheConfig controls the stale-while-revalidate read cache.
type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Timeout: 10 * time.Second,
		},
		Network: NetworkConfig{
			ProbeInterval:    30 * time.Second,
			ProbeTimeout:     5 * time.Second,
			UnstableRTT:      2 * time.Second,
			OfflineThreshold: 2,
		},
		Queue: QueueConfig{
			MaxRetries:    3,
			DrainInterval: time.Minute,
			PruneInterval: 15 * time.Minute,
		},
		AutoSave: AutoSaveConfig{
			Debounce: time.Second,
		},
		Cache: CacheConfig{
			DefaultTTL: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9190",
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		DataDir: "./data",
	}
}

// Load reads configuration from a YAML file, applies environment overrides,
// and validates the result. A missing file is not an error; defaults and
// environment variables still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to defaults + env
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides. These
// take precedence over the file.
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("LABSYNC_STORE_URL"); v != "" {
		cfg.Store.BaseURL = v
	}
	if v := os.Getenv("LABSYNC_REALTIME_URL"); v != "" {
		cfg.Store.RealtimeURL = v
	}
	if v := os.Getenv("LABSYNC_PROBE_URL"); v != "" {
		cfg.Network.ProbeURL = v
	}
	if v := os.Getenv("LABSYNC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LABSYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LABSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("LABSYNC_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	if c.Store.BaseURL == "" {
		return errors.New("store.base_url is required")
	}
	if c.Store.Timeout <= 0 {
		return errors.New("store.timeout must be positive")
	}
	if c.Network.ProbeInterval <= 0 {
		return errors.New("network.probe_interval must be positive")
	}
	if c.Network.OfflineThreshold < 1 {
		return errors.New("network.offline_threshold must be at least 1")
	}
	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must not be negative")
	}
	if c.AutoSave.Debounce <= 0 {
		return errors.New("autosave.debounce must be positive")
	}
	if c.Cache.DefaultTTL < 0 {
		return errors.New("cache.default_ttl must not be negative")
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	return nil
}
