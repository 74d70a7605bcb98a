// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string (optional, disables subscription cache if not set)

	// Payment gateway
	GatewayProvider string // "checkout" (HMAC-signed hosted checkout) or "stripe"
	GatewayKeyID    string // public key id handed to the client checkout
	GatewaySecret   string // shared secret for signature verification / API key

	// Plans
	DefaultFreePlanID string // auto-assigned on first subscription lookup when set

	// Security
	AdminSecret  string // protects /v1/admin routes
	RateLimitRPS int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultProvider  = "checkout"
	DefaultRateLimit = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:          os.Getenv("REDIS_URL"),
		GatewayProvider:   getEnv("GATEWAY_PROVIDER", DefaultProvider),
		GatewayKeyID:      os.Getenv("GATEWAY_KEY_ID"),
		GatewaySecret:     os.Getenv("GATEWAY_SECRET"), // Required, no default
		DefaultFreePlanID: os.Getenv("DEFAULT_FREE_PLAN_ID"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      getEnvInt("RATE_LIMIT_RPS", DefaultRateLimit),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GatewaySecret == "" {
		return fmt.Errorf("GATEWAY_SECRET is required")
	}

	switch c.GatewayProvider {
	case "checkout", "stripe":
	default:
		return fmt.Errorf("GATEWAY_PROVIDER must be \"checkout\" or \"stripe\", got %q", c.GatewayProvider)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
