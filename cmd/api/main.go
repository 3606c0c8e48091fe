package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/backend-blinds/internal/app"
	"github.com/noah-isme/backend-blinds/internal/cart"
	"github.com/noah-isme/backend-blinds/internal/catalog"
	"github.com/noah-isme/backend-blinds/internal/checkout"
	"github.com/noah-isme/backend-blinds/internal/common"
	"github.com/noah-isme/backend-blinds/internal/config"
	"github.com/noah-isme/backend-blinds/internal/configurator"
	"github.com/noah-isme/backend-blinds/internal/health"
	"github.com/noah-isme/backend-blinds/internal/jobs"
	"github.com/noah-isme/backend-blinds/internal/obs"
	"github.com/noah-isme/backend-blinds/internal/queue"
	"github.com/noah-isme/backend-blinds/internal/ratelimit"
	"github.com/noah-isme/backend-blinds/internal/reconcile"
	"github.com/noah-isme/backend-blinds/internal/security"
	"github.com/noah-isme/backend-blinds/internal/upstream"
)

const metricsNamespace = "blinds"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   "blinds-api",
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
	deps, err := app.Open(openCtx, cfg, logger, "blinds-api")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	catalogService, err := deps.Catalog()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise catalog service")
	}
	jobsClient, err := jobs.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise jobs client")
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close jobs client")
		}
	}()
	catalogHandler := catalog.NewHandler(catalog.HandlerConfig{
		Service:     catalogService,
		Logger:      &logger,
		Invalidated: jobsClient.WarmProduct,
	})

	sessions := configurator.NewManager(catalogService, cfg.Configurator.SessionTTL, logger)
	go sessions.Run(ctx, time.Minute)
	configuratorHandler := &configurator.Handler{Manager: sessions, Logger: logger}

	tasks := deps.Enqueuer()
	recorder := &reconcile.Recorder{
		Store:  deps.Ledger(),
		Queue:  tasks,
		Logger: logger.With().Str("component", "reconcile").Logger(),
	}
	carts := deps.Carts(catalogService, recorder)
	cartHandler := &cart.Handler{Svc: carts, Currency: cfg.CurrencyCode, Logger: logger}

	checkoutHandler := &checkout.Handler{
		Svc: &checkout.Service{
			Carts:      carts,
			Validator:  deps.Pricing,
			Platform:   deps.Pricing,
			Revalidate: cfg.Checkout.Revalidate,
			Logger:     logger.With().Str("component", "checkout").Logger(),
		},
		Logger: logger,
	}

	// Without a database there is no separate worker deployment; revalidate
	// and warm in process.
	if cfg.InMemoryLedger() {
		worker := deps.RevalidationWorker(carts)
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("in-process revalidation worker stopped")
			}
		}()
		runner, err := deps.JobsRunner(catalogService)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise jobs runner")
		}
		if err := runner.Start(); err != nil {
			logger.Error().Err(err).Msg("in-process jobs runner not started")
		} else {
			defer runner.Shutdown()
		}
	}

	idem := common.Idem{R: deps.Redis, TTL: cfg.Cart.IdempotencyTTL}
	quoteLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: deps.Redis, Prefix: "rl:quote"},
		Config: ratelimit.Config{
			Key:    ratelimit.ByClientIPAndParam("productId"),
			Window: cfg.RateLimit.QuoteWindow,
			Max:    cfg.RateLimit.QuoteMax,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}
	var apiLimit func(http.Handler) http.Handler
	if cfg.RateLimit.API != "" {
		g, err := ratelimit.NewGlobal(cfg.RateLimit.API, deps.Redis, func(err error) {
			logger.Warn().Err(err).Msg("api rate limiter unavailable")
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise api rate limit")
		}
		apiLimit = g.Middleware
	}
	adminAuth := security.AdminAuth{
		User:      cfg.Admin.User,
		Password:  cfg.Admin.Password,
		JWTSecret: []byte(cfg.Admin.JWTSecret),
		Issuer:    cfg.Admin.JWTIssuer,
		Logger:    logger.With().Str("component", "admin").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.Tracing)
	r.Use(obs.HTTPObs{Metrics: obs.NewHTTPMetrics(metricsNamespace, nil)}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{HSTS: hstsMaxAge(cfg), NoStore: true}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	if cfg.Pprof.Enabled {
		var pprofHandler http.Handler = newPprofMux()
		if cfg.Pprof.User != "" {
			pprofHandler = security.AdminAuth{
				User:     cfg.Pprof.User,
				Password: cfg.Pprof.Password,
				Logger:   logger.With().Str("component", "pprof").Logger(),
			}.Middleware(pprofHandler)
		}
		r.Mount("/debug/pprof", pprofHandler)
	}

	probes := []health.Probe{health.Redis(deps.Redis)}
	if deps.DB != nil {
		probes = append(probes, health.Postgres(deps.DB))
	}
	if c, ok := deps.Pricing.(*upstream.Client); ok && c.HTTP.Breaker != nil {
		probes = append(probes, health.Breaker("pricing", c.HTTP.Breaker))
	}
	healthHandler := health.Handler{Probes: probes}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		if apiLimit != nil {
			v.Use(apiLimit)
		}
		v.Get("/customizations", catalogHandler.Customizations)
		v.Route("/products/{productId}", func(p chi.Router) {
			p.Get("/pricing", catalogHandler.Pricing)
			p.With(quoteLimit.Middleware).Post("/quote", catalogHandler.Quote)
		})

		v.Route("/configurator/sessions", func(s chi.Router) {
			s.Post("/", configuratorHandler.Open)
			s.Put("/{sid}/product", configuratorHandler.SelectProduct)
			s.Post("/{sid}/quote", configuratorHandler.Quote)
		})

		v.Route("/carts", func(c chi.Router) {
			c.Get("/{id}", cartHandler.Get)
			c.Group(func(w chi.Router) {
				w.Use(idem.Middleware)
				w.Post("/", cartHandler.Create)
				w.Post("/{id}/items", cartHandler.AddItem)
				w.Patch("/{id}/items/{itemId}", cartHandler.UpdateItem)
				w.Delete("/{id}/items/{itemId}", cartHandler.RemoveItem)
				w.Delete("/{id}/items", cartHandler.Clear)
				w.Post("/{id}/checkout", checkoutHandler.Checkout)
			})
		})
	})

	if cfg.Admin.Enabled() {
		queueAdmin := &queue.AdminHandler{Store: deps.DLQ(), Queue: tasks, Logger: logger}
		ledgerAdmin := &reconcile.AdminHandler{Store: deps.Ledger()}
		r.Route("/admin", func(a chi.Router) {
			a.Use(adminAuth.Middleware)
			a.Get("/reconciliations", ledgerAdmin.List)
			a.Delete("/pricing/cache", catalogHandler.Invalidate)
			a.Get("/queue/dlq", queueAdmin.ListDLQ)
			a.Post("/queue/dlq/replay", queueAdmin.ReplayDLQ)
			a.Get("/queue/stats", queueAdmin.Stats)
		})
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func hstsMaxAge(cfg *config.Config) time.Duration {
	if cfg.IsDevelopment() {
		return 0
	}
	return 365 * 24 * time.Hour
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) > 0 {
		return cfg.CORSAllowedOrigins
	}
	return []string{"*"}
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	return mux
}
