package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PLATFORM_FEE_AMOUNT", "")
	setEnv(t, "PORT", "")
	setEnv(t, "ENV", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.True(t, cfg.PlatformFeeAmount.Equal(decimal.RequireFromString(DefaultFeeAmount)))
	assert.Equal(t, DefaultConnectionTTL, cfg.ConnectionTTL)
	assert.Equal(t, DefaultEstimateTTL, cfg.EstimateTTL)
	assert.Equal(t, DefaultFeePaidWindow, cfg.FeePaidWindow)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PLATFORM_FEE_AMOUNT", "149.50")
	setEnv(t, "CONNECTION_TTL", "10m")
	setEnv(t, "ESTIMATE_TTL", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.PlatformFeeAmount.Equal(decimal.RequireFromString("149.50")))
	assert.Equal(t, 10*time.Minute, cfg.ConnectionTTL)
	assert.Equal(t, time.Hour, cfg.EstimateTTL)
}

func TestLoad_InvalidFeeAmount(t *testing.T) {
	setEnv(t, "PLATFORM_FEE_AMOUNT", "not_money")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PLATFORM_FEE_AMOUNT")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid development config",
			config: Config{
				Env:               "development",
				PlatformFeeAmount: decimal.RequireFromString("99.00"),
				ConnectionTTL:     DefaultConnectionTTL,
			},
			wantErr: "",
		},
		{
			name: "zero fee",
			config: Config{
				Env:               "development",
				PlatformFeeAmount: decimal.Zero,
				ConnectionTTL:     DefaultConnectionTTL,
			},
			wantErr: "PLATFORM_FEE_AMOUNT must be positive",
		},
		{
			name: "zero connection ttl",
			config: Config{
				Env:               "development",
				PlatformFeeAmount: decimal.RequireFromString("99.00"),
			},
			wantErr: "CONNECTION_TTL must be positive",
		},
		{
			name: "production without stripe key",
			config: Config{
				Env:               "production",
				PlatformFeeAmount: decimal.RequireFromString("99.00"),
				ConnectionTTL:     DefaultConnectionTTL,
			},
			wantErr: "STRIPE_SECRET_KEY is required",
		},
		{
			name: "production without webhook secret",
			config: Config{
				Env:               "production",
				PlatformFeeAmount: decimal.RequireFromString("99.00"),
				ConnectionTTL:     DefaultConnectionTTL,
				StripeSecretKey:   "sk_live_x",
			},
			wantErr: "STRIPE_WEBHOOK_SECRET is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "45s")
	setEnv(t, "TEST_DUR_BAD", "soon")
	setEnv(t, "TEST_DUR_NEG", "-1m")

	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_NEG", time.Minute)) // Falls back on non-positive
}
