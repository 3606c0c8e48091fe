package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-blinds/internal/cart"
	"github.com/noah-isme/backend-blinds/internal/catalog"
	"github.com/noah-isme/backend-blinds/internal/checkout"
	"github.com/noah-isme/backend-blinds/internal/config"
	"github.com/noah-isme/backend-blinds/internal/db"
	"github.com/noah-isme/backend-blinds/internal/jobs"
	"github.com/noah-isme/backend-blinds/internal/lock"
	"github.com/noah-isme/backend-blinds/internal/obs"
	"github.com/noah-isme/backend-blinds/internal/queue"
	"github.com/noah-isme/backend-blinds/internal/reconcile"
	"github.com/noah-isme/backend-blinds/internal/resilience"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

// PricingBackend is everything the service needs from the pricing side:
// product data, the authoritative validator and the checkout handoff.
type PricingBackend interface {
	catalog.Source
	cart.Validator
	checkout.Platform
}

// Dependencies holds the long-lived clients shared by the API and the worker.
type Dependencies struct {
	Config *config.Config
	Logger zerolog.Logger
	// DB is nil when the ledger lives in memory.
	DB      *pgxpool.Pool
	Redis   *redis.Client
	Pricing PricingBackend

	ledger reconcile.Store
	dlq    queue.Store
}

// Open connects Postgres and Redis and builds the pricing backend. name is
// reported as the Postgres application_name and the breaker target prefix.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, name string) (*Dependencies, error) {
	d := &Dependencies{Config: cfg, Logger: logger}

	if cfg.InMemoryLedger() {
		logger.Warn().Msg("no DATABASE_URL; reconciliation ledger and dlq are in memory")
		d.ledger = reconcile.NewMemoryStore()
		d.dlq = queue.NewMemoryStore()
	} else {
		if cfg.DBAutoMigrate {
			if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
				return nil, err
			}
		}
		pool, err := openPostgres(ctx, cfg.DatabaseURL, name)
		if err != nil {
			return nil, err
		}
		d.DB = pool
		d.ledger = reconcile.NewPGStore(pool)
		d.dlq = queue.NewPGStore(pool)
	}

	rdb, err := openRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Redis = rdb

	backend, err := newPricingBackend(cfg, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Pricing = backend
	return d, nil
}

// Close releases the connections.
func (d *Dependencies) Close() {
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error().Err(err).Msg("close redis")
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

// Ledger returns the reconciliation store.
func (d *Dependencies) Ledger() reconcile.Store { return d.ledger }

// DLQ returns the dead-letter store.
func (d *Dependencies) DLQ() queue.Store { return d.dlq }

// Enqueuer returns the task queue publisher.
func (d *Dependencies) Enqueuer() queue.Enqueuer {
	return queue.Enqueuer{
		R:           d.Redis,
		Prefix:      d.Config.Queue.RedisPrefix,
		DedupTTL:    d.Config.Cart.IdempotencyTTL,
		MaxAttempts: d.Config.Queue.MaxAttempts,
	}
}

// Catalog builds the cached product/pricing service.
func (d *Dependencies) Catalog() (*catalog.Service, error) {
	return catalog.NewService(catalog.ServiceConfig{
		Source: d.Pricing,
		Cache:  catalog.NewCache(d.Redis, "pricing", d.Config.Pricing.CacheTTL),
		Logger: &d.Logger,
	})
}

// Carts builds the cart service over Redis with per-cart locking.
func (d *Dependencies) Carts(products cart.Products, reconciler cart.Reconciler) *cart.Service {
	return &cart.Service{
		Store:      &cart.RedisStore{R: d.Redis},
		Products:   products,
		Validator:  d.Pricing,
		Reconciler: reconciler,
		Locker: lock.Locker{
			R:            d.Redis,
			RetryBackoff: d.Config.Cart.LockRetryBackoff,
			MaxWait:      d.Config.Cart.LockTTL,
		},
		LockTTL: d.Config.Cart.LockTTL,
		Epsilon: d.Config.Pricing.EpsilonMinor,
		TaxBps:  d.Config.Pricing.TaxRateBps,
		TTL:     d.Config.Cart.TTL,
		Logger:  d.Logger.With().Str("component", "cart").Logger(),
	}
}

// RevalidationWorker consumes price-revalidate tasks.
func (d *Dependencies) RevalidationWorker(carts reconcile.CartPricer) queue.Worker {
	reval := &reconcile.Revalidator{
		Validator: d.Pricing,
		Carts:     carts,
		Store:     d.ledger,
		Logger:    d.Logger.With().Str("component", "revalidator").Logger(),
	}
	logger := d.Logger.With().Str("queue", queue.KindPriceRevalidate).Logger()
	return queue.Worker{
		R:                 d.Redis,
		Prefix:            d.Config.Queue.RedisPrefix,
		Kind:              queue.KindPriceRevalidate,
		Concurrency:       d.Config.Queue.Concurrency,
		VisibilityTimeout: d.Config.Queue.VisibilityTimeout,
		RetryBase:         d.Config.Queue.BackoffBase,
		RetryJitter:       d.Config.Queue.BackoffJitter,
		Store:             d.dlq,
		Logger:            &logger,
		Handler:           reval.Handle,
	}
}

// WarmSchedule returns the cron spec for the periodic cache warm, or "" when
// nothing should be scheduled.
func (d *Dependencies) WarmSchedule() string {
	s := d.Config.Jobs.WarmSchedule
	if len(d.Config.Jobs.WarmProducts) == 0 || s == "off" {
		return ""
	}
	return s
}

// JobsRunner builds the asynq runner that executes cache-warm tasks.
func (d *Dependencies) JobsRunner(products jobs.Warmer) (*jobs.Runner, error) {
	warm := &jobs.WarmHandler{
		Catalog:  products,
		Products: d.Config.Jobs.WarmProducts,
		Logger:   d.Logger.With().Str("component", "jobs").Logger(),
	}
	return jobs.NewRunner(jobs.RunnerConfig{
		RedisURL:     d.Config.RedisURL,
		Concurrency:  d.Config.Jobs.Concurrency,
		WarmSchedule: d.WarmSchedule(),
	}, warm, d.Logger)
}

func openPostgres(ctx context.Context, url, name string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = name

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func openRedis(ctx context.Context, url string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newPricingBackend(cfg *config.Config, logger zerolog.Logger) (PricingBackend, error) {
	if cfg.Pricing.FixturePath != "" {
		if !cfg.IsDevelopment() {
			return nil, errors.New("PRICING_FIXTURE_PATH is only allowed in development")
		}
		fx, err := upstream.LoadFixture(cfg.Pricing.FixturePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Warn().Str("path", cfg.Pricing.FixturePath).Msg("serving pricing from fixture")
		return fx, nil
	}
	breaker := resilience.NewBreaker(cfg.Breaker.MinRequests, cfg.Breaker.FailureRate, cfg.Breaker.OpenFor).
		WithWindow(cfg.Breaker.Window).
		WithTarget("pricing-api").
		WithLogger(logger)
	return &upstream.Client{
		BaseURL:     cfg.Pricing.BaseURL,
		Token:       cfg.Pricing.Token,
		CheckoutURL: cfg.Checkout.APIURL,
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     breaker,
			BaseBackoff: cfg.Retry.Base,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Jitter:      cfg.Retry.JitterPercent,
			Timeout:     cfg.Pricing.RequestTimeout,
			Target:      "pricing-api",
			Logger:      logger,
		},
		Logger: logger,
	}, nil
}
