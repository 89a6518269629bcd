// Package config loads crmsync configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides (CRMSYNC_REMOTE_API_KEY, ...).
const EnvPrefix = "CRMSYNC"

// Config holds all application configuration
type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
}

// RemoteConfig holds the CRM API connection settings
type RemoteConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`             // per request
	RequestsPerSecond float64       `mapstructure:"requests_per_second"` // 0 = unlimited
}

// SyncConfig holds the constants that drive the sync engine
type SyncConfig struct {
	TagID                int    `mapstructure:"tag_id"`
	CursorName           string `mapstructure:"cursor_name"`
	PageSize             int    `mapstructure:"page_size"`
	ResetOffset          int    `mapstructure:"reset_offset"`
	EngagementCollection string `mapstructure:"engagement_collection"`
	BatchSize            int    `mapstructure:"batch_size"`
	MaxStalls            int    `mapstructure:"max_stalls"`
}

// CacheConfig holds local store settings
type CacheConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			BaseURL: "https://api.virtuouscrm.com/api",
			Timeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			TagID:                25,
			CursorName:           "patient_families_sync",
			PageSize:             50,
			ResetOffset:          50,
			EngagementCollection: "Family Engagement",
			BatchSize:            50,
			MaxStalls:            3,
		},
		Cache: CacheConfig{
			Path: defaultCachePath(),
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Server: ServerConfig{
			Addr:        ":8001",
			CORSOrigins: []string{"*"},
		},
	}
}

// defaultCachePath returns ~/.cache/crmsync/cache.db, or a relative path if home is unknown
func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "crmsync.db"
	}
	return filepath.Join(home, ".cache", "crmsync", "cache.db")
}

// defaultConfigPath returns the directory searched for config.yaml
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "crmsync")
}

// Load reads configuration from path (or the default search locations when path
// is empty) and applies CRMSYNC_* environment overrides on top of the defaults.
// A missing config file is only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// VIRTUOUS_API_KEY is accepted as a fallback name for the key.
	if err := v.BindEnv("remote.api_key", EnvPrefix+"_REMOTE_API_KEY", "VIRTUOUS_API_KEY"); err != nil {
		return nil, fmt.Errorf("error binding env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("remote.base_url", d.Remote.BaseURL)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("remote.requests_per_second", d.Remote.RequestsPerSecond)

	v.SetDefault("sync.tag_id", d.Sync.TagID)
	v.SetDefault("sync.cursor_name", d.Sync.CursorName)
	v.SetDefault("sync.page_size", d.Sync.PageSize)
	v.SetDefault("sync.reset_offset", d.Sync.ResetOffset)
	v.SetDefault("sync.engagement_collection", d.Sync.EngagementCollection)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.max_stalls", d.Sync.MaxStalls)

	v.SetDefault("cache.path", d.Cache.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
}

// Validate checks that numeric settings are in range and the base URL parses.
// A missing API key is not a validation failure: the remote client reports it
// when a call is attempted.
func (c *Config) Validate() error {
	var errs []error

	if c.Remote.BaseURL == "" {
		errs = append(errs, errors.New("remote.base_url is required"))
	} else if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("remote.base_url %q is not an absolute URL", c.Remote.BaseURL))
	}
	if c.Remote.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("remote.timeout must be positive, got %s", c.Remote.Timeout))
	}
	if c.Remote.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("remote.requests_per_second must not be negative, got %g", c.Remote.RequestsPerSecond))
	}
	if c.Sync.TagID <= 0 {
		errs = append(errs, fmt.Errorf("sync.tag_id must be positive, got %d", c.Sync.TagID))
	}
	if c.Sync.CursorName == "" {
		errs = append(errs, errors.New("sync.cursor_name is required"))
	}
	if c.Sync.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.page_size must be positive, got %d", c.Sync.PageSize))
	}
	if c.Sync.ResetOffset < 0 {
		errs = append(errs, fmt.Errorf("sync.reset_offset must not be negative, got %d", c.Sync.ResetOffset))
	}
	if c.Sync.EngagementCollection == "" {
		errs = append(errs, errors.New("sync.engagement_collection is required"))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize))
	}
	if c.Sync.MaxStalls <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_stalls must be positive, got %d", c.Sync.MaxStalls))
	}
	if c.Cache.Path == "" {
		errs = append(errs, errors.New("cache.path is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// HasCredential reports whether an API key is configured.
func (c *Config) HasCredential() bool {
	return c.Remote.APIKey != ""
}
