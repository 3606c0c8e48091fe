package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	CurrencyCode       string
	LogFormat          string
	LogLevel           string
	BodyLimitBytes     int64
	DBAutoMigrate      bool

	Pricing      PricingConfig
	Retry        RetryConfig
	Breaker      BreakerConfig
	Cart         CartConfig
	Checkout     CheckoutConfig
	Queue        QueueConfig
	Tracing      TracingConfig
	RateLimit    RateLimitConfig
	Configurator ConfiguratorConfig
	Pprof        PprofConfig
	Admin        AdminConfig
	Jobs         JobsConfig
}

// PricingConfig points the service at the product/pricing API or a local
// fixture file.
type PricingConfig struct {
	BaseURL        string
	Token          string
	FixturePath    string
	CacheTTL       time.Duration
	RequestTimeout time.Duration
	EpsilonMinor   int64
	TaxRateBps     int
}

// RetryConfig configures outbound retries.
type RetryConfig struct {
	MaxAttempts   int
	Base          time.Duration
	JitterPercent float64
}

// BreakerConfig configures the pricing API circuit breaker.
type BreakerConfig struct {
	MinRequests int
	FailureRate float64
	OpenFor     time.Duration
	// Window is how far back outcomes count towards FailureRate.
	Window time.Duration
}

type CartConfig struct {
	TTL              time.Duration
	IdempotencyTTL   time.Duration
	LockTTL          time.Duration
	LockRetryBackoff time.Duration
}

type CheckoutConfig struct {
	APIURL     string
	Revalidate bool
}

type QueueConfig struct {
	RedisPrefix       string
	MaxAttempts       int
	Concurrency       int
	VisibilityTimeout time.Duration
	BackoffBase       time.Duration
	BackoffJitter     float64
}

type TracingConfig struct {
	Exporter      string
	Endpoint      string
	SamplingRatio float64
}

type RateLimitConfig struct {
	QuoteMax    int
	QuoteWindow time.Duration
	// API is a per-client limit over all /api/v1 routes in limiter format,
	// e.g. "600-M". Empty disables it.
	API string
}

type ConfiguratorConfig struct {
	SessionTTL time.Duration
}

// AdminConfig guards /admin. Password may be plain text or an argon2id hash.
// Bearer tokens are accepted when JWTSecret is set. With neither a user nor a
// secret the admin routes are not mounted.
type AdminConfig struct {
	User      string
	Password  string
	JWTSecret string
	JWTIssuer string
}

// Enabled reports whether any admin credential is configured.
func (a AdminConfig) Enabled() bool { return a.User != "" || a.JWTSecret != "" }

// JobsConfig configures the asynq maintenance jobs run by the worker.
type JobsConfig struct {
	WarmProducts []string
	WarmSchedule string
	Concurrency  int
}

type PprofConfig struct {
	Enabled  bool
	User     string
	Password string
}

// Load reads configuration from environment variables and an optional .env
// file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		CurrencyCode:       strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "USD")),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		DBAutoMigrate:      parseBool(k.String("DB_AUTO_MIGRATE")),
		Pricing: PricingConfig{
			BaseURL:        strings.TrimRight(strings.TrimSpace(k.String("PRICING_API_BASE_URL")), "/"),
			Token:          k.String("PRICING_API_TOKEN"),
			FixturePath:    strings.TrimSpace(k.String("PRICING_FIXTURE_PATH")),
			CacheTTL:       parseDuration(k.String("PRICING_CACHE_TTL"), "10m"),
			RequestTimeout: parseDuration(k.String("PRICING_REQUEST_TIMEOUT"), "3s"),
			EpsilonMinor:   int64(parseInt(k.String("PRICE_EPSILON_MINOR"), 1)),
			TaxRateBps:     parseInt(k.String("PRICING_TAX_RATE_BPS"), 0),
		},
		Retry: RetryConfig{
			MaxAttempts:   parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
			Base:          parseDuration(k.String("RETRY_BASE"), "200ms"),
			JitterPercent: parseFloat(k.String("RETRY_JITTER_PERCENT"), 20) / 100,
		},
		Breaker: BreakerConfig{
			MinRequests: parseInt(k.String("CIRCUIT_PRICING_MIN_REQ"), 10),
			FailureRate: parseFloat(k.String("CIRCUIT_PRICING_FAILURE_RATE"), 0.5),
			OpenFor:     parseDuration(k.String("CIRCUIT_PRICING_OPEN_FOR"), "30s"),
			Window:      parseDuration(k.String("CIRCUIT_PRICING_WINDOW"), "30s"),
		},
		Cart: CartConfig{
			TTL:              parseDuration(k.String("CART_TTL"), "720h"),
			IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
			LockTTL:          parseDuration(k.String("LOCK_TTL"), "10s"),
			LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		},
		Checkout: CheckoutConfig{
			APIURL:     strings.TrimSpace(k.String("CHECKOUT_API_URL")),
			Revalidate: parseBoolDefault(k.String("CHECKOUT_REVALIDATE"), true),
		},
		Queue: QueueConfig{
			RedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "queue"),
			MaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 8),
			Concurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
			VisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "30s"),
			BackoffBase:       parseDuration(k.String("QUEUE_BACKOFF_BASE"), "2s"),
			BackoffJitter:     parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),
		},
		Tracing: TracingConfig{
			Exporter:      valueOrDefault(k.String("OTEL_EXPORTER"), "none"),
			Endpoint:      k.String("OTEL_EXPORTER_OTLP_ENDPOINT"),
			SamplingRatio: parseFloat(k.String("OTEL_SAMPLING_RATIO"), 1),
		},
		RateLimit: RateLimitConfig{
			QuoteMax:    parseInt(k.String("RATE_LIMIT_QUOTE_MAX"), 120),
			QuoteWindow: parseDuration(k.String("RATE_LIMIT_QUOTE_WINDOW"), "1m"),
			API:         strings.TrimSpace(k.String("RATE_LIMIT_API")),
		},
		Configurator: ConfiguratorConfig{
			SessionTTL: parseDuration(k.String("CONFIGURATOR_SESSION_TTL"), "30m"),
		},
		Pprof: PprofConfig{
			Enabled:  parseBool(k.String("PPROF_ENABLED")),
			User:     k.String("PPROF_USER"),
			Password: k.String("PPROF_PASSWORD"),
		},
		Admin: AdminConfig{
			User:      strings.TrimSpace(k.String("ADMIN_USER")),
			Password:  k.String("ADMIN_PASSWORD"),
			JWTSecret: k.String("ADMIN_JWT_SECRET"),
			JWTIssuer: strings.TrimSpace(k.String("ADMIN_JWT_ISSUER")),
		},
		Jobs: JobsConfig{
			WarmProducts: splitAndTrim(k.String("JOBS_WARM_PRODUCTS")),
			WarmSchedule: valueOrDefault(k.String("JOBS_WARM_SCHEDULE"), "@every 15m"),
			Concurrency:  parseInt(k.String("JOBS_CONCURRENCY"), 2),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.Pricing.BaseURL == "" && c.Pricing.FixturePath == "" {
		return errors.New("PRICING_API_BASE_URL or PRICING_FIXTURE_PATH is required")
	}
	if c.DatabaseURL == "" && !c.InMemoryLedger() {
		return errors.New("DATABASE_URL is required")
	}
	if c.Admin.User != "" && c.Admin.Password == "" {
		return errors.New("ADMIN_PASSWORD is required when ADMIN_USER is set")
	}
	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 32 {
		return errors.New("ADMIN_JWT_SECRET must be at least 32 bytes")
	}
	if c.Pricing.EpsilonMinor <= 0 {
		return errors.New("PRICE_EPSILON_MINOR must be positive")
	}
	if c.Pricing.TaxRateBps < 0 || c.Pricing.TaxRateBps > 10000 {
		return errors.New("PRICING_TAX_RATE_BPS must be between 0 and 10000")
	}
	return nil
}

// InMemoryLedger reports whether the reconciliation ledger may live in
// memory: development runs against a fixture without a database.
func (c *Config) InMemoryLedger() bool {
	return c.DatabaseURL == "" && c.IsDevelopment() && c.Pricing.FixturePath != ""
}

// IsDevelopment reports whether APP_ENV is development.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "development")
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(value string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests sets the given variables for the duration of Load. An empty
// value unsets the variable.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]*string, len(env))
	for key := range env {
		if prev, ok := os.LookupEnv(key); ok {
			original[key] = &prev
		} else {
			original[key] = nil
		}
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]*string) error {
	var errs []string
	for key, value := range values {
		var err error
		if value == nil {
			err = os.Unsetenv(key)
		} else {
			err = os.Setenv(key, *value)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
