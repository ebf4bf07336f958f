package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	HotStore  HotStore  `yaml:"hot_store"`
	ColdStore ColdStore `yaml:"cold_store"`
	Ledger    Ledger    `yaml:"ledger"`
	Archival  Archival  `yaml:"archival"`
	Read      Read      `yaml:"read"`
	Server    Server    `yaml:"server"`
	LogLevel  string    `yaml:"log_level"`
}

// HotStore configures the transactional hot tier.
type HotStore struct {
	Path string `yaml:"path"`
}

// ColdStore configures the S3-compatible archive tier.
type ColdStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

// Ledger configures the migration-state ledger.
type Ledger struct {
	Path string `yaml:"path"`
}

// Archival configures migration passes.
type Archival struct {
	RetentionWindowDays int    `yaml:"retention_window_days"`
	BatchSize           int    `yaml:"batch_size"`
	MaxRetries          int    `yaml:"max_retries"`
	RetryBackoffMs      int    `yaml:"retry_backoff_ms"`
	LeaseTTLSeconds     int    `yaml:"lease_ttl_seconds"`
	Schedule            string `yaml:"schedule"`
}

// Read configures the read path.
type Read struct {
	MigratingRetryDelayMs int `yaml:"migrating_retry_delay_ms"`
	CacheTTLSeconds       int `yaml:"cache_ttl_seconds"`
	CacheCapacity         int `yaml:"cache_capacity"`
}

// Server configures listen addresses.
type Server struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// RetentionWindow returns the archival age threshold as a duration.
func (a Archival) RetentionWindow() time.Duration {
	return time.Duration(a.RetentionWindowDays) * 24 * time.Hour
}

// RetryBackoff returns the initial per-record retry backoff.
func (a Archival) RetryBackoff() time.Duration {
	return time.Duration(a.RetryBackoffMs) * time.Millisecond
}

// LeaseTTL returns the archival lease duration.
func (a Archival) LeaseTTL() time.Duration {
	return time.Duration(a.LeaseTTLSeconds) * time.Second
}

// MigratingRetryDelay returns the read router's bounded wait.
func (r Read) MigratingRetryDelay() time.Duration {
	return time.Duration(r.MigratingRetryDelayMs) * time.Millisecond
}

// CacheTTL returns the cold-read cache entry lifetime.
func (r Read) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLSeconds) * time.Second
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		HotStore: HotStore{
			Path: "./hot.db",
		},
		Ledger: Ledger{
			Path: "./ledger.db",
		},
		Archival: Archival{
			RetentionWindowDays: 90,
			BatchSize:           500,
			MaxRetries:          5,
			RetryBackoffMs:      500,
			LeaseTTLSeconds:     300,
		},
		Read: Read{
			MigratingRetryDelayMs: 100,
			CacheTTLSeconds:       300,
			CacheCapacity:         1024,
		},
		Server: Server{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("hot-db") {
		cfg.HotStore.Path, _ = flags.GetString("hot-db")
	}
	if flags.Changed("ledger-db") {
		cfg.Ledger.Path, _ = flags.GetString("ledger-db")
	}

	if flags.Changed("cold-endpoint") {
		cfg.ColdStore.Endpoint, _ = flags.GetString("cold-endpoint")
	}
	if flags.Changed("cold-access-key") {
		cfg.ColdStore.AccessKey, _ = flags.GetString("cold-access-key")
	}
	if flags.Changed("cold-secret-key") {
		cfg.ColdStore.SecretKey, _ = flags.GetString("cold-secret-key")
	}
	if flags.Changed("cold-bucket") {
		cfg.ColdStore.Bucket, _ = flags.GetString("cold-bucket")
	}
	if flags.Changed("cold-secure") {
		cfg.ColdStore.Secure, _ = flags.GetBool("cold-secure")
	}

	if flags.Changed("retention-days") {
		cfg.Archival.RetentionWindowDays, _ = flags.GetInt("retention-days")
	}
	if flags.Changed("batch-size") {
		cfg.Archival.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("max-retries") {
		cfg.Archival.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Archival.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("lease-ttl-seconds") {
		cfg.Archival.LeaseTTLSeconds, _ = flags.GetInt("lease-ttl-seconds")
	}
	if flags.Changed("schedule") {
		cfg.Archival.Schedule, _ = flags.GetString("schedule")
	}

	if flags.Changed("migrating-retry-delay-ms") {
		cfg.Read.MigratingRetryDelayMs, _ = flags.GetInt("migrating-retry-delay-ms")
	}
	if flags.Changed("cache-ttl-seconds") {
		cfg.Read.CacheTTLSeconds, _ = flags.GetInt("cache-ttl-seconds")
	}
	if flags.Changed("cache-capacity") {
		cfg.Read.CacheCapacity, _ = flags.GetInt("cache-capacity")
	}

	if flags.Changed("listen-addr") {
		cfg.Server.ListenAddr, _ = flags.GetString("listen-addr")
	}
	if flags.Changed("metrics-addr") {
		cfg.Server.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.HotStore.Path == "" {
		return fmt.Errorf("hot store path is required")
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger path is required")
	}

	if c.ColdStore.Endpoint == "" {
		return fmt.Errorf("cold store endpoint is required")
	}
	if c.ColdStore.AccessKey == "" {
		return fmt.Errorf("cold store access key is required")
	}
	if c.ColdStore.SecretKey == "" {
		return fmt.Errorf("cold store secret key is required")
	}
	if c.ColdStore.Bucket == "" {
		return fmt.Errorf("cold store bucket is required")
	}

	if c.Archival.RetentionWindowDays < 0 {
		return fmt.Errorf("retention window must not be negative")
	}
	if c.Archival.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Archival.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}

	if c.Read.CacheCapacity <= 0 {
		return fmt.Errorf("cache capacity must be positive")
	}

	return nil
}
