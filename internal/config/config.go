// Package config holds runtime configuration and the read-only catalogs
// (organizations, people, platforms, secrets). Secrets are loaded into
// memory only and are excluded from serialization.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full caebridge configuration.
type Config struct {
	// DataDir is the repository root; all stores live beneath it.
	DataDir string `yaml:"data_dir" validate:"required"`

	// ListenAddr is the REST bind address.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// Environment gates real uploads: apply requires "development".
	Environment string `yaml:"environment" validate:"oneof=development production"`

	LogLevel string `yaml:"log_level"`

	Browser BrowserConfig `yaml:"browser"`
	Apply   ApplyConfig   `yaml:"apply"`
	Jobs    JobsConfig    `yaml:"jobs"`
}

// BrowserConfig configures the portal driver.
type BrowserConfig struct {
	Headful             bool   `yaml:"headful"`
	Uploader            string `yaml:"uploader" validate:"oneof=real fake"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms" validate:"gte=0"`
	ActionTimeoutMs     int    `yaml:"action_timeout_ms" validate:"gte=0"`
	MaxRetriesPerAction int    `yaml:"max_retries_per_action" validate:"gte=0,lte=5"`
	MaxRecoveryStrats   int    `yaml:"max_recovery_strategies" validate:"gte=0,lte=5"`
	SameStateThreshold  int    `yaml:"same_state_revisit_threshold" validate:"gte=1"`
	HardCapSteps        int    `yaml:"hard_cap_steps" validate:"gte=1"`
	RiskWarningLimit    int    `yaml:"risk_warning_limit" validate:"gte=1"`
}

// ApplyConfig configures the gated upload path.
type ApplyConfig struct {
	MaxUploadsHardCap    int     `yaml:"max_uploads_hard_cap" validate:"gte=1"`
	RateLimitSeconds     float64 `yaml:"rate_limit_seconds" validate:"gte=0"`
	IdempotencyRetention string  `yaml:"idempotency_retention"` // Go duration
}

// JobsConfig configures the background worker pool.
type JobsConfig struct {
	PoolSize int `yaml:"pool_size" validate:"gte=1"`
}

// NavigationTimeout returns the navigation timeout as a duration.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(b.NavigationTimeoutMs) * time.Millisecond
}

// ActionTimeout returns the per-action timeout as a duration.
func (b BrowserConfig) ActionTimeout() time.Duration {
	if b.ActionTimeoutMs == 0 {
		return 15 * time.Second
	}
	return time.Duration(b.ActionTimeoutMs) * time.Millisecond
}

// IdempotencyWindow parses the retention window, defaulting to 24h.
func (a ApplyConfig) IdempotencyWindow() time.Duration {
	d, err := time.ParseDuration(a.IdempotencyRetention)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		DataDir:     "./data",
		ListenAddr:  ":8844",
		Environment: "production",
		LogLevel:    "info",
		Browser: BrowserConfig{
			Headful:             true,
			Uploader:            "real",
			NavigationTimeoutMs: 30000,
			ActionTimeoutMs:     15000,
			MaxRetriesPerAction: 2,
			MaxRecoveryStrats:   3,
			SameStateThreshold:  2,
			HardCapSteps:        120,
			RiskWarningLimit:    3,
		},
		Apply: ApplyConfig{
			MaxUploadsHardCap:    5,
			RateLimitSeconds:     1.5,
			IdempotencyRetention: "24h",
		},
		Jobs: JobsConfig{PoolSize: 2},
	}
}

// Load builds the configuration: defaults, then caebridge.yaml if present,
// then environment variables (highest precedence). A .env file is honored
// best-effort before the environment is read.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	yamlPath := os.Getenv("CAE_CONFIG")
	if yamlPath == "" {
		yamlPath = "caebridge.yaml"
	}
	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REPOSITORY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CAE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CAE_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("CAE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BROWSER_HEADFUL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headful = b
		}
	}
	if v := os.Getenv("CAE_UPLOADER"); v != "" {
		cfg.Browser.Uploader = v
	}
	if v := os.Getenv("MAX_UPLOADS_HARD_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Apply.MaxUploadsHardCap = n
		}
	}
	if v := os.Getenv("SAME_STATE_REVISIT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Browser.SameStateThreshold = n
		}
	}
	if v := os.Getenv("HARD_CAP_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Browser.HardCapSteps = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_DEFAULT_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Apply.RateLimitSeconds = f
		}
	}
}

var validate = validator.New()

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// CatalogDir is where the read-only catalogs live.
func (c *Config) CatalogDir() string {
	return filepath.Join(c.DataDir, "catalog")
}
