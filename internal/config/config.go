// Package config loads and validates indexer configuration from YAML files
// and environment variables. Environment variables override file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chainlens/indexer-go/health"
	"github.com/chainlens/indexer-go/provider"
	"github.com/chainlens/indexer-go/session"
	"github.com/chainlens/indexer-go/validate"
)

// Config holds all configuration for the indexer.
type Config struct {
	// Chains maps a chain name to its ranked RPC endpoints.
	Chains map[string][]provider.EndpointConfig `yaml:"chains"`

	Provider   provider.Config  `yaml:"provider"`
	Storage    StorageConfig    `yaml:"storage"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Session    session.Config   `yaml:"session"`
	Validation validate.Config  `yaml:"validation"`
	Health     health.Config    `yaml:"health"`
	API        APIConfig        `yaml:"api"`
	Log        LogConfig        `yaml:"log"`
}

// StorageConfig holds transaction store configuration.
type StorageConfig struct {
	// Path is the PebbleDB database directory.
	Path string `yaml:"path"`
	// CacheMB is the block cache size in megabytes.
	CacheMB int `yaml:"cache_mb"`
	// MaxOpenFiles bounds database file descriptors.
	MaxOpenFiles int `yaml:"max_open_files"`
	// WriteBufferMB is the memtable size in megabytes.
	WriteBufferMB int `yaml:"write_buffer_mb"`
}

// CheckpointConfig holds session checkpoint configuration.
type CheckpointConfig struct {
	// Dir is the directory holding per-session checkpoint files.
	Dir string `yaml:"dir"`
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	EnableWebSocket bool     `yaml:"enable_websocket"`
	EnableMetrics   bool     `yaml:"enable_metrics"`
	EnableCORS      bool     `yaml:"enable_cors"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration.
func (c *Config) SetDefaults() {
	// Provider defaults
	def := provider.DefaultConfig()
	if c.Provider.RequestsPerSecond == 0 {
		c.Provider.RequestsPerSecond = def.RequestsPerSecond
	}
	if c.Provider.Burst == 0 {
		c.Provider.Burst = def.Burst
	}
	if c.Provider.CallTimeout == 0 {
		c.Provider.CallTimeout = def.CallTimeout
	}
	if c.Provider.ProbeInterval == 0 {
		c.Provider.ProbeInterval = def.ProbeInterval
	}
	if c.Provider.UnhealthyThreshold == 0 {
		c.Provider.UnhealthyThreshold = def.UnhealthyThreshold
	}

	// Storage defaults
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/transactions"
	}
	if c.Storage.CacheMB == 0 {
		c.Storage.CacheMB = 64
	}
	if c.Storage.MaxOpenFiles == 0 {
		c.Storage.MaxOpenFiles = 1000
	}
	if c.Storage.WriteBufferMB == 0 {
		c.Storage.WriteBufferMB = 32
	}

	// Checkpoint defaults
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "./data/checkpoints"
	}

	// Session defaults
	sdef := session.DefaultConfig()
	if c.Session.ChunkSize == 0 {
		c.Session.ChunkSize = sdef.ChunkSize
	}
	if c.Session.LivePollInterval == 0 {
		c.Session.LivePollInterval = sdef.LivePollInterval
	}
	if c.Session.MaxChunkAttempts == 0 {
		c.Session.MaxChunkAttempts = sdef.MaxChunkAttempts
	}
	if c.Session.RetryBaseDelay == 0 {
		c.Session.RetryBaseDelay = sdef.RetryBaseDelay
	}
	if c.Session.FallbackHistoryBlocks == 0 {
		c.Session.FallbackHistoryBlocks = sdef.FallbackHistoryBlocks
	}

	// Validation defaults
	if c.Validation.MaxGapBlocks == 0 {
		c.Validation.MaxGapBlocks = validate.DefaultConfig().MaxGapBlocks
	}

	// Health defaults
	if c.Health.Interval == 0 {
		c.Health.Interval = health.DefaultConfig().Interval
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.AllowedOrigins == nil {
		c.API.AllowedOrigins = []string{"*"}
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over file configuration.
func (c *Config) LoadFromEnv() error {
	// Single-chain convenience: INDEXER_CHAIN plus a comma-separated
	// endpoint list, ranked by position.
	if chain := os.Getenv("INDEXER_CHAIN"); chain != "" {
		if endpoints := os.Getenv("INDEXER_RPC_ENDPOINTS"); endpoints != "" {
			var cfgs []provider.EndpointConfig
			for i, url := range strings.Split(endpoints, ",") {
				url = strings.TrimSpace(url)
				if url == "" {
					continue
				}
				cfgs = append(cfgs, provider.EndpointConfig{URL: url, Priority: i + 1})
			}
			if c.Chains == nil {
				c.Chains = make(map[string][]provider.EndpointConfig)
			}
			c.Chains[chain] = cfgs
		}
	}

	if rps := os.Getenv("INDEXER_RPS"); rps != "" {
		val, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_RPS: %w", err)
		}
		c.Provider.RequestsPerSecond = val
	}
	if timeout := os.Getenv("INDEXER_CALL_TIMEOUT"); timeout != "" {
		val, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_CALL_TIMEOUT: %w", err)
		}
		c.Provider.CallTimeout = val
	}

	if path := os.Getenv("INDEXER_DB_PATH"); path != "" {
		c.Storage.Path = path
	}
	if dir := os.Getenv("INDEXER_CHECKPOINT_DIR"); dir != "" {
		c.Checkpoint.Dir = dir
	}

	if chunkSize := os.Getenv("INDEXER_CHUNK_SIZE"); chunkSize != "" {
		val, err := strconv.ParseUint(chunkSize, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_CHUNK_SIZE: %w", err)
		}
		c.Session.ChunkSize = val
	}
	if interval := os.Getenv("INDEXER_LIVE_POLL_INTERVAL"); interval != "" {
		val, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_LIVE_POLL_INTERVAL: %w", err)
		}
		c.Session.LivePollInterval = val
	}

	if level := os.Getenv("INDEXER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("INDEXER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	if enabled := os.Getenv("INDEXER_API_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_ENABLED: %w", err)
		}
		c.API.Enabled = val
	}
	if host := os.Getenv("INDEXER_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("INDEXER_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_PORT: %w", err)
		}
		c.API.Port = val
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	for chain, endpoints := range c.Chains {
		if chain == "" {
			return fmt.Errorf("chain name cannot be empty")
		}
		if len(endpoints) == 0 {
			return fmt.Errorf("chain %q has no endpoints", chain)
		}
		for _, ep := range endpoints {
			if ep.URL == "" {
				return fmt.Errorf("chain %q has an endpoint with no URL", chain)
			}
		}
	}

	if c.Provider.RequestsPerSecond <= 0 {
		return fmt.Errorf("provider requests per second must be positive")
	}
	if c.Provider.CallTimeout <= 0 {
		return fmt.Errorf("provider call timeout must be positive")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint directory is required")
	}

	if c.Session.ChunkSize == 0 {
		return fmt.Errorf("session chunk size must be positive")
	}
	if c.Session.MaxChunkAttempts <= 0 {
		return fmt.Errorf("session max chunk attempts must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("invalid API port %d", c.API.Port)
		}
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Load from file (if provided)
// 2. Load from environment variables (override file)
// 3. Set defaults for any missing values
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
