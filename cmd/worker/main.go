package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/noah-isme/backend-blinds/internal/app"
	"github.com/noah-isme/backend-blinds/internal/config"
	"github.com/noah-isme/backend-blinds/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics("blinds", nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   "blinds-worker",
		Endpoint:      cfg.Tracing.Endpoint,
		Exporter:      cfg.Tracing.Exporter,
		SamplingRatio: cfg.Tracing.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.Open(openCtx, cfg, logger, "blinds-worker")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	products, err := deps.Catalog()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise catalog service")
	}
	// Revalidation only corrects prices; it never records new events through
	// the cart, so no reconciler is attached here.
	carts := deps.Carts(products, nil)
	worker := deps.RevalidationWorker(carts)

	runner, err := deps.JobsRunner(products)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise jobs runner")
	}
	if err := runner.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start jobs runner")
	}
	defer runner.Shutdown()

	logger.Info().Str("kind", worker.Kind).Int("concurrency", worker.Concurrency).Msg("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}
