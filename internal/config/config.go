// Package config loads server settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSecret     string   `mapstructure:"AUTH_SECRET"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	DocumentsDir   string   `mapstructure:"DOCUMENTS_DIR"`
}

var defaults = map[string]any{
	"PORT":             "8000",
	"ENV":              "development",
	"DB_MAX_CONNS":     20,
	"DB_MIN_CONNS":     5,
	"CORS_ORIGINS":     "http://localhost:3000",
	"RATE_LIMIT_RPS":   100,
	"RATE_LIMIT_BURST": 200,
	"MIGRATIONS_DIR":   "./migrations",
	"DOCUMENTS_DIR":    "./data/claim-documents",
}

// keys not present in defaults still need an explicit BindEnv for
// Unmarshal to see them.
var envOnly = []string{
	"DATABASE_URL", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
		v.BindEnv(key)
	}
	for _, key := range envOnly {
		v.BindEnv(key)
	}

	// A missing .env file is fine; the environment alone is enough.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !c.IsDev() && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required outside development")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports whether the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
