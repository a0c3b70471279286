package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	DBPath   string `envconfig:"BRIA_DB_PATH" default:"./data/bria.sqlite"`
	Port     int    `envconfig:"BRIA_PORT" default:"8080"`
	LogLevel string `envconfig:"BRIA_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"BRIA_LOG_DIR" default:"./logs"`
	Network  string `envconfig:"BRIA_NETWORK" default:"testnet"`

	// AdminBootstrapSecret authenticates the one-time admin bootstrap call
	// that mints the first admin API key.
	AdminBootstrapSecret string `envconfig:"BRIA_ADMIN_BOOTSTRAP_SECRET" required:"true"`

	// SigningStallTimeout bounds how long a signing session may sit in
	// Signing before the batch is flagged SigningSessionStalled.
	SigningStallTimeout time.Duration `envconfig:"BRIA_SIGNING_STALL_TIMEOUT" default:"5m"`

	// BatchFeerateSatVB is the default feerate used by a batch-group's fee
	// policy when none is set explicitly.
	BatchFeerateSatVB int64 `envconfig:"BRIA_BATCH_FEERATE_SAT_VB" default:"10"`

	// JobPollInterval is how often the job scheduler polls the durable queue
	// for runnable work when it has nothing in flight.
	JobPollInterval time.Duration `envconfig:"BRIA_JOB_POLL_INTERVAL" default:"2s"`

	// DustThresholdSats is loaded from the environment; the batch builder
	// does not read it, and any positive change becomes its own output.
	DustThresholdSats int64 `envconfig:"BRIA_DUST_THRESHOLD_SATS" default:"546"`
}

// Load reads configuration from .env file (if present) then from environment variables.
// Environment variables override .env values.
func Load() (*Config, error) {
	// Load .env file if it exists. godotenv does NOT override already-set env vars,
	// so real environment variables take precedence over .env values.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			slog.Warn("failed to load .env file", "error", err)
		} else {
			slog.Info("loaded .env file")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("%w: network must be \"mainnet\" or \"testnet\", got %q", ErrInvalidConfig, c.Network)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.AdminBootstrapSecret == "" {
		return fmt.Errorf("%w: admin bootstrap secret must be set", ErrInvalidConfig)
	}
	if c.BatchFeerateSatVB <= 0 {
		return fmt.Errorf("%w: batch feerate must be positive, got %d", ErrInvalidConfig, c.BatchFeerateSatVB)
	}
	return nil
}
