/*
Package config loads server configuration from the environment.

PURPOSE:
  Every setting is a LOYALTY_* environment variable with a default, parsed
  by envconfig. Validate runs after loading so a bad deployment fails at
  startup instead of on the first request.

VARIABLES:
  LOYALTY_HTTP_PORT          HTTP port (8080)
  LOYALTY_DB_DRIVER          sqlite | postgres (sqlite)
  LOYALTY_SQLITE_PATH        SQLite file, ":memory:" allowed (loyalty.db)
  LOYALTY_POSTGRES_DSN       postgres://... (required for postgres)
  LOYALTY_DB_MAX_CONNS       Postgres pool size (10)
  LOYALTY_LOG_LEVEL          logrus level (info)
  LOYALTY_CODE_TTL           Redemption code lifetime (168h)
  LOYALTY_CODE_LENGTH        Redemption code length (8)
  LOYALTY_CODE_MAX_ATTEMPTS  Generation attempts on collision (3)
  LOYALTY_REPORT_MAX_DAYS    Widest report range in days (90)
  LOYALTY_SWEEP_SCHEDULE     Cron spec for the expired-code sweep (@every 1h)
  LOYALTY_SEED_FILE          Optional reward system seed file
  LOYALTY_CORS_ORIGINS       Comma-separated allowed origins

SEE ALSO:
  - cmd/server/main.go: Consumes Config
*/
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

const prefix = "LOYALTY"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"loyalty.db"`
	PostgresDSN string `envconfig:"POSTGRES_DSN"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	CodeTTL         time.Duration `envconfig:"CODE_TTL" default:"168h"`
	CodeLength      int           `envconfig:"CODE_LENGTH" default:"8"`
	CodeMaxAttempts int           `envconfig:"CODE_MAX_ATTEMPTS" default:"3"`

	ReportMaxDays int `envconfig:"REPORT_MAX_DAYS" default:"90"`

	SweepSchedule string `envconfig:"SWEEP_SCHEDULE" default:"@every 1h"`
	SeedFile      string `envconfig:"SEED_FILE"`

	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`
}

// Load reads LOYALTY_* variables and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("LOYALTY_HTTP_PORT must be between 1 and 65535")
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("LOYALTY_SQLITE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("LOYALTY_POSTGRES_DSN is required for the postgres driver")
		}
		if c.DBMaxConns <= 0 {
			return fmt.Errorf("LOYALTY_DB_MAX_CONNS must be > 0")
		}
	default:
		return fmt.Errorf("LOYALTY_DB_DRIVER must be sqlite or postgres, got %q", c.DBDriver)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOYALTY_LOG_LEVEL: %w", err)
	}
	if c.CodeTTL <= 0 {
		return fmt.Errorf("LOYALTY_CODE_TTL must be > 0")
	}
	if c.CodeLength < 4 {
		return fmt.Errorf("LOYALTY_CODE_LENGTH must be at least 4")
	}
	if c.CodeMaxAttempts < 1 {
		return fmt.Errorf("LOYALTY_CODE_MAX_ATTEMPTS must be at least 1")
	}
	if c.ReportMaxDays < 1 {
		return fmt.Errorf("LOYALTY_REPORT_MAX_DAYS must be at least 1")
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("LOYALTY_SWEEP_SCHEDULE: %w", err)
	}
	return nil
}

// Level returns the parsed log level. Validate guarantees it parses.
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
