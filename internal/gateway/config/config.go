// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the gateway configuration.
type Config struct {
	// HTTP listen address
	BindAddr string `env:"BIND" envDefault:"0.0.0.0"`
	Port     int    `env:"PORT" envDefault:"4000"`

	LogLevel string `env:"LOGLEVEL" envDefault:"info"`

	// Credential minting
	TokenSecret     string `env:"TOKEN_SECRET,required"`
	TokenTTLSeconds int    `env:"TOKEN_TTL_SECONDS" envDefault:"3600"`

	// Caller ID used for outbound PSTN legs
	CallerNumber string `env:"CALLER_NUMBER,required"`

	// Default client identity the voice webhook routes incoming calls to
	DefaultIdentity string `env:"DEFAULT_IDENTITY" envDefault:"user"`

	// Call record store. Redis is used when RedisAddr is set; otherwise
	// records are kept in memory.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Allowed CORS origin for browser clients
	AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:"http://localhost:8080"`
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}

// Load reads an optional .env file, then parses the environment.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}
