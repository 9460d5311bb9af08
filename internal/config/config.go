package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime settings for the prompt sync service.
type Config struct {
	BindAddr                 string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout          time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT" envDefault:"2m"`
	MetricsNamespace         string        `env:"APP_METRICS_NAMESPACE" envDefault:"promptsync"`
	AllowAnyOrigin           bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`

	LogLevel  string `env:"APP_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"APP_LOG_FORMAT" envDefault:"json"`

	// DatabaseURL wins over SQLitePath; with neither set records live in memory.
	DatabaseURL    string        `env:"DATABASE_URL"`
	SQLitePath     string        `env:"SQLITE_PATH"`
	StoreOpTimeout time.Duration `env:"STORE_OP_TIMEOUT" envDefault:"2s"`

	ResolveMaxAttempts int           `env:"RESOLVE_MAX_ATTEMPTS" envDefault:"3"`
	ResolveBackoffBase time.Duration `env:"RESOLVE_BACKOFF_BASE" envDefault:"100ms"`
	ResolveBackoffCap  time.Duration `env:"RESOLVE_BACKOFF_CAP" envDefault:"2s"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.SQLitePath = strings.TrimSpace(cfg.SQLitePath)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.StoreOpTimeout <= 0 {
		return fmt.Errorf("STORE_OP_TIMEOUT must be positive")
	}
	if c.ResolveMaxAttempts < 1 {
		return fmt.Errorf("RESOLVE_MAX_ATTEMPTS must be >= 1")
	}
	if c.ResolveBackoffBase <= 0 || c.ResolveBackoffCap < c.ResolveBackoffBase {
		return fmt.Errorf("RESOLVE_BACKOFF_BASE must be positive and not exceed RESOLVE_BACKOFF_CAP")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// StoreMode names the backend Load would select.
func (c Config) StoreMode() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}
