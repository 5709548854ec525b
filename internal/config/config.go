package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Engram configuration.
type Config struct {
	// Data directory, defaults to ~/.engram
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Store     StoreConfig     `json:"store" mapstructure:"store"`
	Cache     CacheConfig     `json:"cache" mapstructure:"cache"`
	Locks     LockConfig      `json:"locks" mapstructure:"locks"`
	Registry  RegistryConfig  `json:"registry" mapstructure:"registry"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
}

// StoreConfig holds scar store configuration.
type StoreConfig struct {
	Path      string `json:"path" mapstructure:"path"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
}

// CacheConfig holds vector cache configuration.
type CacheConfig struct {
	TTLMinutes           int    `json:"ttl_minutes" mapstructure:"ttl_minutes"`
	ExportPath           string `json:"export_path" mapstructure:"export_path"`
	RefreshCheckSeconds  int    `json:"refresh_check_seconds" mapstructure:"refresh_check_seconds"`
	ReloadTimeoutSeconds int    `json:"reload_timeout_seconds" mapstructure:"reload_timeout_seconds"`
}

// LockConfig holds lock manager configuration. The staleness threshold and
// retry interval are policy values tuned to deployment latency; they are
// config, not constants.
type LockConfig struct {
	Dir             string `json:"dir" mapstructure:"dir"`
	StaleSeconds    int    `json:"stale_seconds" mapstructure:"stale_seconds"`
	RetryIntervalMs int    `json:"retry_interval_ms" mapstructure:"retry_interval_ms"`
	TimeoutMs       int    `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// RegistryConfig holds session registry configuration.
type RegistryConfig struct {
	Path        string `json:"path" mapstructure:"path"`
	SessionsDir string `json:"sessions_dir" mapstructure:"sessions_dir"`
	PruneHours  int    `json:"prune_hours" mapstructure:"prune_hours"`
}

// GatewayConfig holds the control surface server configuration.
type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// EmbeddingConfig holds embedding provider configuration.
type EmbeddingConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // openai, mock
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns a config with default values. Paths derived from
// DataDir are filled in by the loader.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Dimension: 1536,
		},
		Cache: CacheConfig{
			TTLMinutes:           15,
			RefreshCheckSeconds:  60,
			ReloadTimeoutSeconds: 30,
		},
		Locks: LockConfig{
			StaleSeconds:    30,
			RetryIntervalMs: 50,
			TimeoutMs:       5000,
		},
		Registry: RegistryConfig{
			PruneHours: 24,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 7432,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// LockStaleAfter returns the lock staleness threshold as a duration.
func (c *Config) LockStaleAfter() time.Duration {
	return time.Duration(c.Locks.StaleSeconds) * time.Second
}

// LockRetryInterval returns the lock retry interval as a duration.
func (c *Config) LockRetryInterval() time.Duration {
	return time.Duration(c.Locks.RetryIntervalMs) * time.Millisecond
}

// LockTimeout returns the default lock acquisition timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Locks.TimeoutMs) * time.Millisecond
}

// RegistryPruneAfter returns the registry prune threshold as a duration.
func (c *Config) RegistryPruneAfter() time.Duration {
	return time.Duration(c.Registry.PruneHours) * time.Hour
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Store.Dimension <= 0 {
		return fmt.Errorf("store dimension must be positive")
	}
	if c.Cache.TTLMinutes <= 0 {
		return fmt.Errorf("cache ttl_minutes must be positive")
	}
	if c.Locks.StaleSeconds <= 0 {
		return fmt.Errorf("lock stale_seconds must be positive")
	}
	if c.Locks.RetryIntervalMs <= 0 {
		return fmt.Errorf("lock retry_interval_ms must be positive")
	}
	if c.Registry.PruneHours <= 0 {
		return fmt.Errorf("registry prune_hours must be positive")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding api_key is required for the openai provider")
		}
	case "mock":
	default:
		return fmt.Errorf("invalid embedding provider %q (must be: openai, mock)", c.Embedding.Provider)
	}

	return nil
}
