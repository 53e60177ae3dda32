package service

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Auth modes.
const (
	// AuthModeInternal co-hosts the authorization server; tokens validate
	// against the local record store.
	AuthModeInternal = "internal"
	// AuthModeExternal delegates validation to a remote introspection
	// endpoint.
	AuthModeExternal = "external"
)

// Config holds the process configuration, loaded from the environment.
type Config struct {
	Port          int    `env:"MCPRELAY_PORT" envDefault:"4000"`
	BaseURI       string `env:"MCPRELAY_BASE_URI" envDefault:"http://localhost:4000"`
	RedisURL      string `env:"MCPRELAY_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	AuthMode      string `env:"MCPRELAY_AUTH_MODE" envDefault:"internal"`
	AuthServerURL string `env:"MCPRELAY_AUTH_SERVER_URL"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return config, config.Validate()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.AuthMode {
	case AuthModeInternal:
	case AuthModeExternal:
		if c.AuthServerURL == "" {
			return fmt.Errorf("MCPRELAY_AUTH_SERVER_URL is required when MCPRELAY_AUTH_MODE=external")
		}
	default:
		return fmt.Errorf("unknown auth mode: %s", c.AuthMode)
	}
	return nil
}
