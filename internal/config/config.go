package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/livinlefevreloca/catalogindex/internal/db"
	"github.com/livinlefevreloca/catalogindex/internal/sapi"
)

// Environment variables that override file settings
const (
	EnvAPIKey  = "RAPIDAPI_KEY"
	EnvAPIHost = "RAPIDAPI_HOST"
	EnvBaseURL = "SAPI_BASE_URL"
	EnvDSN     = "CATALOGINDEX_DB_DSN"
)

// Config represents the application configuration
type Config struct {
	Database db.Config      `toml:"database" yaml:"database"`
	SAPI     SAPIConfig     `toml:"sapi" yaml:"sapi"`
	Backfill BackfillConfig `toml:"backfill" yaml:"backfill"`
	HTTP     HTTPConfig     `toml:"http" yaml:"http"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
}

// SAPIConfig holds provider connection settings
type SAPIConfig struct {
	BaseURL  string        `toml:"base_url" yaml:"base_url"`
	APIKey   string        `toml:"api_key" yaml:"api_key"`
	APIHost  string        `toml:"api_host" yaml:"api_host"`
	Endpoint string        `toml:"endpoint" yaml:"endpoint"`
	Timeout  time.Duration `toml:"timeout" yaml:"timeout"`
	Retry    RetryConfig   `toml:"retry" yaml:"retry"`
}

// RetryConfig holds the incremental backoff for provider requests
type RetryConfig struct {
	MaxAttempts  int           `toml:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `toml:"initial_delay" yaml:"initial_delay"`
	Increment    time.Duration `toml:"increment" yaml:"increment"`
	MaxDelay     time.Duration `toml:"max_delay" yaml:"max_delay"`
}

// BackfillConfig describes the scope to crawl and how
type BackfillConfig struct {
	Country       string            `toml:"country" yaml:"country"`
	Catalogs      []string          `toml:"catalogs" yaml:"catalogs"`
	Params        map[string]string `toml:"params" yaml:"params"`
	MaxPages      int               `toml:"max_pages" yaml:"max_pages"`
	ChunkSize     int               `toml:"chunk_size" yaml:"chunk_size"`
	MaxEmptyPages int               `toml:"max_empty_pages" yaml:"max_empty_pages"`
}

// HTTPConfig holds HTTP API server settings
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Address string `toml:"address" yaml:"address"`
	Port    int    `toml:"port" yaml:"port"`
}

// MetricsConfig holds metrics settings. Metrics are served on the HTTP
// server under /metrics.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	retry := sapi.DefaultRetryPolicy()

	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "catalogindex.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
		},
		SAPI: SAPIConfig{
			BaseURL:  "https://streaming-availability.p.rapidapi.com",
			APIHost:  "streaming-availability.p.rapidapi.com",
			Endpoint: sapi.DefaultEndpoint,
			Timeout:  30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  retry.MaxAttempts,
				InitialDelay: retry.InitialDelay,
				Increment:    retry.Increment,
				MaxDelay:     retry.MaxDelay,
			},
		},
		Backfill: BackfillConfig{
			ChunkSize:     1000,
			MaxEmptyPages: 3,
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Address: "0.0.0.0",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "catalogindex",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML or YAML file, chosen by
// extension, on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (must be .toml, .yaml or .yml)", ext)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	config.ApplyEnv(os.LookupEnv)
	return config, nil
}

// ApplyEnv overrides secrets and endpoints from the environment. lookup is
// os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok {
		c.SAPI.APIKey = v
	}
	if v, ok := lookup(EnvAPIHost); ok {
		c.SAPI.APIHost = v
	}
	if v, ok := lookup(EnvBaseURL); ok {
		c.SAPI.BaseURL = v
	}
	if v, ok := lookup(EnvDSN); ok {
		c.Database.DSN = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3, sqlite, postgres, or pgx)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	// Provider validation
	if c.SAPI.BaseURL == "" {
		return fmt.Errorf("sapi base_url must be specified")
	}
	if c.SAPI.Timeout <= 0 {
		return fmt.Errorf("sapi timeout must be positive")
	}
	if c.SAPI.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("sapi retry max_attempts must be positive")
	}
	if c.SAPI.Retry.InitialDelay < 0 || c.SAPI.Retry.Increment < 0 || c.SAPI.Retry.MaxDelay < 0 {
		return fmt.Errorf("sapi retry delays must not be negative")
	}

	// Backfill validation
	if strings.TrimSpace(c.Backfill.Country) == "" {
		return fmt.Errorf("backfill country must be specified")
	}
	if len(c.Backfill.CatalogList()) == 0 {
		return fmt.Errorf("backfill catalogs must not be empty")
	}
	if c.Backfill.ChunkSize <= 0 {
		return fmt.Errorf("backfill chunk_size must be positive")
	}
	if c.Backfill.MaxPages < 0 {
		return fmt.Errorf("backfill max_pages must not be negative")
	}
	if c.Backfill.MaxEmptyPages < 0 {
		return fmt.Errorf("backfill max_empty_pages must not be negative")
	}

	// HTTP validation
	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("HTTP port must be between 1 and 65535")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// ClientConfig converts the provider section for sapi.NewClient
func (s SAPIConfig) ClientConfig() sapi.ClientConfig {
	return sapi.ClientConfig{
		BaseURL: s.BaseURL,
		APIKey:  s.APIKey,
		APIHost: s.APIHost,
		Timeout: s.Timeout,
	}
}

// RetryPolicy converts the retry section, keeping the default predicate
func (s SAPIConfig) RetryPolicy() sapi.RetryPolicy {
	policy := sapi.DefaultRetryPolicy()
	policy.MaxAttempts = s.Retry.MaxAttempts
	policy.InitialDelay = s.Retry.InitialDelay
	policy.Increment = s.Retry.Increment
	policy.MaxDelay = s.Retry.MaxDelay
	return policy
}

// CatalogList returns the configured catalogs with blanks removed, also
// splitting comma separated entries
func (b BackfillConfig) CatalogList() []string {
	var out []string
	for _, entry := range b.Catalogs {
		for _, c := range strings.Split(entry, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

// Query returns the extra request parameters
func (b BackfillConfig) Query() url.Values {
	values := make(url.Values, len(b.Params))
	for k, v := range b.Params {
		values.Set(k, v)
	}
	return values
}
