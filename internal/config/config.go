// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"taskboard/pkg/task"
)

// Config holds every setting of the server and the admin CLI.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	DBDriver     string        `env:"TASKBOARD_DB_DRIVER" envDefault:"postgres"`
	DatabaseURL  string        `env:"DATABASE_URL"`
	DBMaxConns   int32         `env:"TASKBOARD_DB_MAX_CONNS" envDefault:"10"`
	StoreTimeout time.Duration `env:"TASKBOARD_STORE_TIMEOUT" envDefault:"5s"`

	JWTSecret string        `env:"TASKBOARD_JWT_SECRET"`
	TokenTTL  time.Duration `env:"TASKBOARD_TOKEN_TTL" envDefault:"12h"`

	SMTPAddr     string   `env:"TASKBOARD_SMTP_ADDR"`
	SMTPUser     string   `env:"TASKBOARD_SMTP_USER"`
	SMTPPassword string   `env:"TASKBOARD_SMTP_PASSWORD"`
	MailFrom     string   `env:"TASKBOARD_MAIL_FROM" envDefault:"taskboard@localhost"`
	NotifyStates []string `env:"TASKBOARD_NOTIFY_STATES" envDefault:"done,close" envSeparator:","`
	NoteLocale   string   `env:"TASKBOARD_NOTE_LOCALE" envDefault:"en-US"`

	CORSOrigin   string `env:"TASKBOARD_CORS_ORIGIN"`
	OTELEndpoint string `env:"TASKBOARD_OTEL_ENDPOINT"`
}

// Drivers accepted by TASKBOARD_DB_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

// Load parses the process environment and validates the result.
func Load() (*Config, error) {
	return LoadWith(env.Options{})
}

// LoadWith parses using opts, which tests use to supply an environment map.
func LoadWith(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverPostgres, DriverMySQL:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for driver %s", c.DBDriver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown TASKBOARD_DB_DRIVER %q", c.DBDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("TASKBOARD_JWT_SECRET is required"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("TASKBOARD_STORE_TIMEOUT must be positive"))
	}
	for _, s := range c.NotifyStates {
		if _, err := task.ParseState(s); err != nil {
			errs = append(errs, fmt.Errorf("TASKBOARD_NOTIFY_STATES: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Notify returns the states whose entry triggers a notification.
func (c *Config) Notify() []task.State {
	out := make([]task.State, 0, len(c.NotifyStates))
	for _, s := range c.NotifyStates {
		out = append(out, task.State(s))
	}
	return out
}
