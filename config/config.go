// Package config loads and validates service configuration from the environment
// and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the API server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// MigrateOnStart applies embedded migrations before serving.
	MigrateOnStart bool `mapstructure:"MIGRATE_ON_START"`

	JWTSecret  string `mapstructure:"JWT_SECRET"`
	JWTTTL     string `mapstructure:"JWT_TTL"`
	BcryptCost int    `mapstructure:"BCRYPT_COST"`

	// Env is the application environment ("development", "production").
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// PaymentBaseURL is the payment provider API root.
	PaymentBaseURL     string `mapstructure:"PAYMENT_BASE_URL"`
	PaymentSecretKey   string `mapstructure:"PAYMENT_SECRET_KEY"`
	PaymentCallbackURL string `mapstructure:"PAYMENT_CALLBACK_URL"`
	PaymentTimeout     string `mapstructure:"PAYMENT_TIMEOUT"`

	// OTelEndpoint is the OTLP/HTTP collector URL; empty disables tracing.
	OTelEndpoint string `mapstructure:"OTEL_ENDPOINT"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

// Load reads .env (if present), then builds and validates Config from the environment.
// Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("MIGRATE_ON_START", false)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("BCRYPT_COST", 10)
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PAYMENT_BASE_URL", "https://api.paystack.co")
	v.SetDefault("PAYMENT_SECRET_KEY", "")
	v.SetDefault("PAYMENT_CALLBACK_URL", "")
	v.SetDefault("PAYMENT_TIMEOUT", "10s")
	v.SetDefault("OTEL_ENDPOINT", "")
	v.SetDefault("RATE_LIMIT_RPS", 10.0)
	v.SetDefault("RATE_LIMIT_BURST", 20)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("config: JWT_SECRET must be set")
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		return nil, errors.New("config: RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	return &cfg, nil
}

// TokenTTL parses JWTTTL. Returns 24h if unset or invalid.
func (c *Config) TokenTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// PaymentRequestTimeout parses PaymentTimeout. Returns 10s if unset or invalid.
func (c *Config) PaymentRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.PaymentTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// Development reports whether the service runs with development defaults.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// MigrateConfig is the subset of settings the migration tool needs.
type MigrateConfig struct {
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	Env         string `mapstructure:"APP_ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
}

// LoadMigrate reads .env (if present) and the environment without requiring
// the API server secrets.
func LoadMigrate() (*MigrateConfig, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	return loadMigrate(v)
}

func loadMigrate(v *viper.Viper) (*MigrateConfig, error) {
	v.AutomaticEnv()
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")

	var cfg MigrateConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("config: DATABASE_URL must be set")
	}
	return &cfg, nil
}
