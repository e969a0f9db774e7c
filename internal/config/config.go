// Package config loads the agent configuration from file and environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete agent configuration.
type Config struct {
	Agent       AgentConfig      `mapstructure:"agent"`
	API         APIConfig        `mapstructure:"api"`
	Tracking    TrackingConfig   `mapstructure:"tracking"`
	Sync        SyncConfig       `mapstructure:"sync"`
	Screenshots ScreenshotConfig `mapstructure:"screenshots"`
	Storage     StorageConfig    `mapstructure:"storage"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
}

// AgentConfig identifies the tracked user.
type AgentConfig struct {
	Username    string `mapstructure:"username"`
	DisplayName string `mapstructure:"display_name"`
	Channel     string `mapstructure:"channel"`
}

// APIConfig defines the collector endpoints.
type APIConfig struct {
	ActivityURL   string `mapstructure:"activity_url"`
	StatusURL     string `mapstructure:"status_url"`
	ScreenshotURL string `mapstructure:"screenshot_url"`
	Timeout       string `mapstructure:"timeout"`
}

// TrackingConfig defines sampling and gating behavior.
type TrackingConfig struct {
	TickInterval      string `mapstructure:"tick_interval"`
	StatusInterval    string `mapstructure:"status_interval"`
	IdleThreshold     string `mapstructure:"idle_threshold"`
	SleepGapThreshold string `mapstructure:"sleep_gap_threshold"`
}

// SyncConfig defines synchronization behavior.
type SyncConfig struct {
	Interval    string `mapstructure:"interval"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	BaseDelay   string `mapstructure:"base_delay"`
	Budget      string `mapstructure:"budget"`
}

// ScreenshotConfig defines the screenshot worker behavior.
type ScreenshotConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Interval      string `mapstructure:"interval"`
	RetryPenalty  string `mapstructure:"retry_penalty"`
	Quality       int    `mapstructure:"quality"`
	SkipUnchanged bool   `mapstructure:"skip_unchanged"`
}

// StorageConfig defines local state locations.
type StorageConfig struct {
	Dir                  string `mapstructure:"dir"`
	HistoryRetentionDays int    `mapstructure:"history_retention_days"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig defines the optional local metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TRACKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	baseDir := filepath.Join(home, ".trackd")

	// Agent defaults
	v.SetDefault("agent.channel", "wfh-monitoring")

	// API defaults
	v.SetDefault("api.activity_url", "https://api-wfh.kryptomind.net/api/activity")
	v.SetDefault("api.status_url", "https://api-wfh.kryptomind.net/api/session_status")
	v.SetDefault("api.screenshot_url", "https://api-wfh.kryptomind.net/api/screenshot")
	v.SetDefault("api.timeout", "10s")

	// Tracking defaults
	v.SetDefault("tracking.tick_interval", "1s")
	v.SetDefault("tracking.status_interval", "30s")
	v.SetDefault("tracking.idle_threshold", "5m")
	v.SetDefault("tracking.sleep_gap_threshold", "5m")

	// Sync defaults
	v.SetDefault("sync.interval", "5m")
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.base_delay", "2s")
	v.SetDefault("sync.budget", "30s")

	// Screenshot defaults
	v.SetDefault("screenshots.enabled", true)
	v.SetDefault("screenshots.interval", "5m")
	v.SetDefault("screenshots.retry_penalty", "5m")
	v.SetDefault("screenshots.quality", 75)
	v.SetDefault("screenshots.skip_unchanged", true)

	// Storage defaults
	v.SetDefault("storage.dir", baseDir)
	v.SetDefault("storage.history_retention_days", 90)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", filepath.Join(baseDir, "logs", "trackd.log"))
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 14)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9188")
}

// validate validates the configuration. The username and endpoint URLs
// are the agent's required startup dependencies.
func validate(cfg *Config) error {
	if cfg.Agent.Username == "" {
		return fmt.Errorf("agent.username is required")
	}
	if cfg.Agent.Channel == "" {
		return fmt.Errorf("agent.channel is required")
	}
	if cfg.Agent.DisplayName == "" {
		cfg.Agent.DisplayName = cfg.Agent.Username
	}

	for name, raw := range map[string]string{
		"api.activity_url":   cfg.API.ActivityURL,
		"api.status_url":     cfg.API.StatusURL,
		"api.screenshot_url": cfg.API.ScreenshotURL,
	} {
		if raw == "" {
			return fmt.Errorf("%s is required", name)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s: %q", name, raw)
		}
	}

	if cfg.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1, got %d", cfg.Sync.MaxAttempts)
	}
	if cfg.Screenshots.Quality < 1 || cfg.Screenshots.Quality > 100 {
		return fmt.Errorf("screenshots.quality must be in 1..100, got %d", cfg.Screenshots.Quality)
	}
	if cfg.Storage.HistoryRetentionDays < 1 {
		return fmt.Errorf("storage.history_retention_days must be positive, got %d", cfg.Storage.HistoryRetentionDays)
	}

	if cfg.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	if dir := filepath.Dir(cfg.Logging.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}
