// Package config loads process configuration from the environment. Every
// variable is read as TOKENVOTE_<NAME> first and falls back to <NAME>.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const prefix = "tokenvote"

type Config struct {
	DatabaseURL        string        `envconfig:"DATABASE_URL"         required:"true"`
	HTTPAddr           string        `envconfig:"HTTP_ADDR"            default:":8080"`
	JWTSecret          string        `envconfig:"JWT_SECRET"           required:"true"`
	TokenTTL           time.Duration `envconfig:"TOKEN_TTL"            default:"24h"`
	LogLevel           slog.Level    `envconfig:"LOG_LEVEL"            default:"info"`
	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE"    default:"50"`
	OutboxMaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS"  default:"5"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT"     default:"15s"`
	ApplyMigrations    bool          `envconfig:"APPLY_MIGRATIONS"     default:"false"`
	DBMaxConns         int32         `envconfig:"DB_MAX_CONNS"         default:"16"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 16 bytes"))
	}
	if c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL must be positive"))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be positive"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("OUTBOX_MAX_ATTEMPTS must be positive"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	if c.DBMaxConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
