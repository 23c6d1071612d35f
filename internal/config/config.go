// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	StripeSecretKey     string
	StripeWebhookSecret string
	PlatformFeeAmount   decimal.Decimal
	Currency            string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Lifecycle windows
	RequestGraceWindow time.Duration // expires_at at creation, before the fee is paid
	FeePaidWindow      time.Duration // expires_at extension applied once when the fee is paid
	ConnectionTTL      time.Duration // REQUESTED connections older than this are auto-rejected
	EstimateTTL        time.Duration // SENT estimates expire after this
	SweepInterval      time.Duration

	// OTP mailer (SMTP)
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	MailFrom string

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultCurrency      = "inr"
	DefaultFeeAmount     = "99.00"
	DefaultGraceWindow   = 30 * time.Minute
	DefaultFeePaidWindow = 7 * 24 * time.Hour
	// The observed deployments disagreed on this value (10m vs 1h), so it
	// is a knob rather than a constant.
	DefaultConnectionTTL = 30 * time.Minute
	DefaultEstimateTTL   = 72 * time.Hour
	DefaultSweepInterval = time.Minute
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	fee, err := decimal.NewFromString(getEnv("PLATFORM_FEE_AMOUNT", DefaultFeeAmount))
	if err != nil {
		return nil, fmt.Errorf("PLATFORM_FEE_AMOUNT is not a valid amount: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PlatformFeeAmount:   fee,
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:5173/payment/success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "http://localhost:5173/payment/cancelled"),
		RequestGraceWindow:  getEnvDuration("REQUEST_GRACE_WINDOW", DefaultGraceWindow),
		FeePaidWindow:       getEnvDuration("FEE_PAID_WINDOW", DefaultFeePaidWindow),
		ConnectionTTL:       getEnvDuration("CONNECTION_TTL", DefaultConnectionTTL),
		EstimateTTL:         getEnvDuration("ESTIMATE_TTL", DefaultEstimateTTL),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SMTPHost:            os.Getenv("SMTP_HOST"),
		SMTPPort:            int(getEnvInt64("SMTP_PORT", 587)),
		SMTPUser:            os.Getenv("SMTP_USER"),
		SMTPPass:            os.Getenv("SMTP_PASS"),
		MailFrom:            getEnv("MAIL_FROM", "no-reply@garagelink.app"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if !c.PlatformFeeAmount.IsPositive() {
		return fmt.Errorf("PLATFORM_FEE_AMOUNT must be positive")
	}
	if c.ConnectionTTL <= 0 {
		return fmt.Errorf("CONNECTION_TTL must be positive")
	}
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
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
