// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/stellarcredit/internal/strkey"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger query service
	DefaultNetwork    string
	HorizonTestnetURL string
	HorizonMainnetURL string
	HorizonRPS        float64 // outbound request budget per network

	// Contract
	ContractRPCURL  string // JSON-RPC contract relay; empty uses the in-process contract
	ContractID      string
	SignerSecret    string // S... seed; empty means read-only
	PollInterval    time.Duration
	MaxPollAttempts int

	// Scoring model (optional; heuristic fallback when empty)
	ScoringModelURL     string
	ScoringModelTimeout time.Duration

	// Pricing
	NativeUSDRate float64

	// Push updates
	WatchInterval time.Duration

	// Security
	RateLimitPerMinute int // per client IP
	AdminSecret        string

	// Tracing
	OTLPEndpoint string
}

// Testnet defaults
const (
	DefaultHorizonTestnetURL = "https://horizon-testnet.stellar.org"
	DefaultHorizonMainnetURL = "https://horizon.stellar.org"
	DefaultNetwork           = "testnet"
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultRateLimit         = 60
	DefaultHorizonRPS        = 10
	DefaultNativeUSDRate     = 0.12
	DefaultPollInterval      = 2 * time.Second
	DefaultMaxPollAttempts   = 10
	DefaultModelTimeout      = 10 * time.Second
	DefaultWatchInterval     = 15 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DefaultNetwork:      strings.ToLower(getEnv("STELLAR_NETWORK", DefaultNetwork)),
		HorizonTestnetURL:   getEnv("HORIZON_TESTNET_URL", DefaultHorizonTestnetURL),
		HorizonMainnetURL:   getEnv("HORIZON_MAINNET_URL", DefaultHorizonMainnetURL),
		HorizonRPS:          getEnvFloat("HORIZON_RPS", DefaultHorizonRPS),
		ContractRPCURL:      os.Getenv("CONTRACT_RPC_URL"),
		ContractID:          os.Getenv("CONTRACT_ID"),
		SignerSecret:        os.Getenv("SIGNER_SECRET"),
		PollInterval:        getEnvDuration("CONTRACT_POLL_INTERVAL", DefaultPollInterval),
		MaxPollAttempts:     int(getEnvInt64("CONTRACT_MAX_POLL_ATTEMPTS", DefaultMaxPollAttempts)),
		ScoringModelURL:     strings.TrimRight(os.Getenv("SCORING_MODEL_URL"), "/"),
		ScoringModelTimeout: getEnvDuration("SCORING_MODEL_TIMEOUT", DefaultModelTimeout),
		NativeUSDRate:       getEnvFloat("XLM_USD_RATE", DefaultNativeUSDRate),
		WatchInterval:       getEnvDuration("WATCH_INTERVAL", DefaultWatchInterval),
		RateLimitPerMinute:  int(getEnvInt64("RATE_LIMIT_PER_MINUTE", int64(DefaultRateLimit))),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.DefaultNetwork != "testnet" && c.DefaultNetwork != "mainnet" {
		return fmt.Errorf("STELLAR_NETWORK must be testnet or mainnet, got %q", c.DefaultNetwork)
	}

	if c.HorizonTestnetURL == "" || c.HorizonMainnetURL == "" {
		return fmt.Errorf("horizon URLs must not be empty")
	}

	if c.SignerSecret != "" {
		if _, err := strkey.Decode(strkey.VersionSeed, c.SignerSecret); err != nil {
			return fmt.Errorf("SIGNER_SECRET must be a valid S... secret seed: %w", err)
		}
	}

	// The remote relay needs to know which contract to call; the in-process
	// contract assigns its own id when none is configured.
	if c.ContractRPCURL != "" && c.ContractID == "" {
		return fmt.Errorf("CONTRACT_ID is required when CONTRACT_RPC_URL is set")
	}
	if c.ContractID != "" && !strkey.IsValidContractID(c.ContractID) {
		return fmt.Errorf("CONTRACT_ID must be a valid C... contract id")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("CONTRACT_POLL_INTERVAL must be positive")
	}
	if c.MaxPollAttempts <= 0 {
		return fmt.Errorf("CONTRACT_MAX_POLL_ATTEMPTS must be positive")
	}
	if c.NativeUSDRate < 0 {
		return fmt.Errorf("XLM_USD_RATE must not be negative")
	}

	return nil
}

// HorizonURL returns the Horizon base URL for a network name.
func (c *Config) HorizonURL(network string) (string, bool) {
	switch strings.ToLower(network) {
	case "testnet":
		return c.HorizonTestnetURL, true
	case "mainnet", "public":
		return c.HorizonMainnetURL, true
	default:
		return "", false
	}
}

// ReadOnly reports whether contract writes are disabled.
func (c *Config) ReadOnly() bool {
	return c.SignerSecret == ""
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
