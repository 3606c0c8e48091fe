package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseEnv() map[string]string {
	return map[string]string{
		"APP_ENV":              "production",
		"REDIS_URL":            "redis://localhost:6379/0",
		"DATABASE_URL":         "postgres://blinds@localhost/blinds",
		"PRICING_API_BASE_URL": "https://pricing.example.com/api/",
		"PRICING_FIXTURE_PATH": "",
		"ADMIN_USER":           "",
		"ADMIN_PASSWORD":       "",
		"ADMIN_JWT_SECRET":     "",
		"JOBS_WARM_PRODUCTS":   "",
		"JOBS_WARM_SCHEDULE":   "",
		"RATE_LIMIT_API":       "",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(baseEnv())
	require.NoError(t, err)
	require.Equal(t, "https://pricing.example.com/api", cfg.Pricing.BaseURL)
	require.Equal(t, 10*time.Minute, cfg.Pricing.CacheTTL)
	require.EqualValues(t, 1, cfg.Pricing.EpsilonMinor)
	require.True(t, cfg.Checkout.Revalidate)
	require.InDelta(t, 0.2, cfg.Retry.JitterPercent, 1e-9)
	require.Equal(t, ":8080", cfg.HTTPAddr())
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PRICE_EPSILON_MINOR"] = "5"
	env["CHECKOUT_REVALIDATE"] = "false"
	env["CART_TTL"] = "48h"
	env["PORT"] = ":9090"
	env["CORS_ALLOWED_ORIGINS"] = "https://shop.example.com, https://admin.example.com"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.EqualValues(t, 5, cfg.Pricing.EpsilonMinor)
	require.False(t, cfg.Checkout.Revalidate)
	require.Equal(t, 48*time.Hour, cfg.Cart.TTL)
	require.Equal(t, ":9090", cfg.HTTPAddr())
	require.Equal(t, []string{"https://shop.example.com", "https://admin.example.com"}, cfg.CORSAllowedOrigins)
}

func TestLoadRequiresPricingSource(t *testing.T) {
	env := baseEnv()
	env["PRICING_API_BASE_URL"] = ""
	_, err := LoadForTests(env)
	require.ErrorContains(t, err, "PRICING_API_BASE_URL")
}

func TestLoadDevelopmentFixtureWithoutDatabase(t *testing.T) {
	env := baseEnv()
	env["APP_ENV"] = "development"
	env["DATABASE_URL"] = ""
	env["PRICING_API_BASE_URL"] = ""
	env["PRICING_FIXTURE_PATH"] = "testdata/pricing.yaml"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.True(t, cfg.InMemoryLedger())

	env["APP_ENV"] = "production"
	_, err = LoadForTests(env)
	require.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadAdminRequiresPassword(t *testing.T) {
	env := baseEnv()
	env["ADMIN_USER"] = "ops"
	_, err := LoadForTests(env)
	require.ErrorContains(t, err, "ADMIN_PASSWORD")

	env["ADMIN_PASSWORD"] = "s3cret"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, "ops", cfg.Admin.User)
}

func TestLoadAdminJWTAndJobs(t *testing.T) {
	env := baseEnv()
	env["ADMIN_JWT_SECRET"] = "too-short"
	_, err := LoadForTests(env)
	require.ErrorContains(t, err, "ADMIN_JWT_SECRET")

	env["ADMIN_JWT_SECRET"] = strings.Repeat("k", 32)
	env["JOBS_WARM_PRODUCTS"] = "roller-1, vertical-2,"
	env["RATE_LIMIT_API"] = "600-M"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.True(t, cfg.Admin.Enabled())
	require.Empty(t, cfg.Admin.User)
	require.Equal(t, []string{"roller-1", "vertical-2"}, cfg.Jobs.WarmProducts)
	require.Equal(t, "@every 15m", cfg.Jobs.WarmSchedule)
	require.Equal(t, "600-M", cfg.RateLimit.API)
}
