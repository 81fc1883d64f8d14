// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/stellar/go/network"

	"github.com/rentvault/rentvault/internal/amount"
	"github.com/rentvault/rentvault/internal/failure"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Ledger network
	HorizonURL        string
	NetworkPassphrase string
	FriendbotURL      string
	BaseFee           int64 // stroops per operation
	TxTimeout         time.Duration
	MinimumReserve    string // held back in every native escrow; see DESIGN.md

	// Key custody
	KeyEncryptionSecret string

	// Fiat anchor
	AnchorURL        string
	AnchorCurrencies []string
	WebhookSecret    string

	// Background work
	EscrowSweepInterval time.Duration
	ReconcileInterval   time.Duration
	PendingRecheckAfter time.Duration

	// Arbiter-voting contract (optional)
	VotingRPCURL      string
	VotingContract    string
	VotingOperatorKey string // hex, no 0x prefix
	VotingChainID     int64

	// Operator surface
	AdminToken   string // empty disables /v1/admin
	CORSOrigins  []string
	RateLimitRPM int64

	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultHorizonURL          = "https://horizon-testnet.stellar.org"
	DefaultFriendbotURL        = "https://friendbot.stellar.org"
	DefaultBaseFee             = 100
	DefaultTxTimeout           = 5 * time.Minute
	DefaultMinimumReserve      = "1.0000000"
	DefaultAnchorCurrencies    = "USD,EUR"
	DefaultEscrowSweepInterval = time.Minute
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultPendingRecheckAfter = 2 * time.Minute
	DefaultVotingChainID       = 84532 // Base Sepolia
	DefaultRateLimitRPM        = 120

	minSecretLength = 32
)

// Load reads configuration from the environment, after loading .env if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	passphrase := getEnv("NETWORK_PASSPHRASE", network.TestNetworkPassphrase)
	friendbot := os.Getenv("FRIENDBOT_URL")
	if friendbot == "" && passphrase == network.TestNetworkPassphrase {
		friendbot = DefaultFriendbotURL
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		HorizonURL:          getEnv("HORIZON_URL", DefaultHorizonURL),
		NetworkPassphrase:   passphrase,
		FriendbotURL:        friendbot,
		BaseFee:             getEnvInt64("BASE_FEE", DefaultBaseFee),
		TxTimeout:           getEnvDuration("TX_TIMEOUT", DefaultTxTimeout),
		MinimumReserve:      getEnv("MINIMUM_RESERVE", DefaultMinimumReserve),
		KeyEncryptionSecret: os.Getenv("KEY_ENCRYPTION_SECRET"),
		AnchorURL:           os.Getenv("ANCHOR_URL"),
		AnchorCurrencies:    splitList(getEnv("ANCHOR_CURRENCIES", DefaultAnchorCurrencies)),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		EscrowSweepInterval: getEnvDuration("ESCROW_SWEEP_INTERVAL", DefaultEscrowSweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		PendingRecheckAfter: getEnvDuration("PENDING_RECHECK_AFTER", DefaultPendingRecheckAfter),
		VotingRPCURL:        os.Getenv("VOTING_RPC_URL"),
		VotingContract:      os.Getenv("VOTING_CONTRACT"),
		VotingOperatorKey:   strings.TrimPrefix(os.Getenv("VOTING_OPERATOR_KEY"), "0x"),
		VotingChainID:       getEnvInt64("VOTING_CHAIN_ID", DefaultVotingChainID),
		AdminToken:          os.Getenv("ADMIN_TOKEN"),
		CORSOrigins:         splitOrigins(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:        getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and well formed.
// Every failure is of kind Configuration.
func (c *Config) Validate() error {
	if c.KeyEncryptionSecret == "" {
		return configErr("KEY_ENCRYPTION_SECRET is required")
	}
	if len(c.KeyEncryptionSecret) < minSecretLength {
		return configErr(fmt.Sprintf("KEY_ENCRYPTION_SECRET must be at least %d bytes", minSecretLength))
	}
	if c.HorizonURL == "" {
		return configErr("HORIZON_URL is required")
	}
	if c.NetworkPassphrase == "" {
		return configErr("NETWORK_PASSPHRASE is required")
	}
	if _, err := amount.Parse(c.MinimumReserve); err != nil {
		return configErr("MINIMUM_RESERVE: " + err.Error())
	}
	if c.BaseFee <= 0 {
		return configErr("BASE_FEE must be positive")
	}
	if len(c.AnchorCurrencies) == 0 {
		return configErr("ANCHOR_CURRENCIES must list at least one currency")
	}
	if c.AdminToken != "" && len(c.AdminToken) < 16 {
		return configErr("ADMIN_TOKEN must be at least 16 characters")
	}
	if c.IsProduction() && c.WebhookSecret == "" && c.AnchorURL != "" {
		return configErr("WEBHOOK_SECRET is required in production when ANCHOR_URL is set")
	}
	if c.VotingEnabled() {
		if c.VotingRPCURL == "" || c.VotingContract == "" || c.VotingOperatorKey == "" {
			return configErr("VOTING_RPC_URL, VOTING_CONTRACT and VOTING_OPERATOR_KEY must be set together")
		}
		if len(c.VotingOperatorKey) != 64 {
			return configErr("VOTING_OPERATOR_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	return nil
}

// VotingEnabled reports whether any arbiter-voting contract setting is present.
func (c *Config) VotingEnabled() bool {
	return c.VotingRPCURL != "" || c.VotingContract != "" || c.VotingOperatorKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func configErr(msg string) error {
	return failure.New(failure.KindConfiguration, "config: "+msg)
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitOrigins(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
