package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fp101fs/wp-gen-sub001/internal"
	"github.com/fp101fs/wp-gen-sub001/internal/billing"
	"github.com/fp101fs/wp-gen-sub001/internal/events"
	"github.com/fp101fs/wp-gen-sub001/internal/handler/api"
	"github.com/fp101fs/wp-gen-sub001/internal/handler/webhook"
	"github.com/fp101fs/wp-gen-sub001/internal/middleware"
	"github.com/fp101fs/wp-gen-sub001/internal/plan"
	"github.com/fp101fs/wp-gen-sub001/internal/postgres"
	"github.com/fp101fs/wp-gen-sub001/internal/router"
	"github.com/fp101fs/wp-gen-sub001/internal/routes"
	"github.com/fp101fs/wp-gen-sub001/internal/service"
	"github.com/fp101fs/wp-gen-sub001/internal/telemetry"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize Sentry error tracking
	sentryCleanup, err := telemetry.InitSentry(cfg.Sentry, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer sentryCleanup()

	// Run migrations over database/sql
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application queries
	pool, err := postgres.Connect(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	// Initialize stores
	subscriptionStore := postgres.NewSubscriptionStore(pool)
	tokenStore := postgres.NewTokenStore(pool)
	webhookEventStore := postgres.NewWebhookEventStore(pool)

	// Build the plan catalog from the configured price ids
	plans := plan.New(plan.PriceIDs{
		ProMonthly:       cfg.Stripe.ProMonthlyPriceID,
		ProYearly:        cfg.Stripe.ProYearlyPriceID,
		UnlimitedMonthly: cfg.Stripe.UnlimitedMonthlyPriceID,
		UnlimitedYearly:  cfg.Stripe.UnlimitedYearlyPriceID,
	})

	// Initialize Stripe billing provider
	logger.Info("Initializing Stripe billing provider...")
	stripeConfig := billing.StripeConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
	}
	billingProvider, err := billing.NewStripeProvider(stripeConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	logger.Info("Stripe billing provider initialized", "test_mode", stripeConfig.IsTestMode())

	// Connect to NATS when configured; the service runs fine without it
	var publisher *events.Publisher
	if cfg.NatsUrl != "" {
		publisher, err = events.Connect(cfg.NatsUrl, logger)
		if err != nil {
			logger.Warn("NATS unavailable, event publishing disabled", "error", err)
		} else {
			defer publisher.Close()
			logger.Info("NATS event publishing enabled", "url", cfg.NatsUrl)
		}
	}

	// Initialize metrics
	httpMetrics := middleware.NewMetrics("billing")
	businessMetrics := telemetry.NewBusinessMetrics("billing")

	// Initialize reconciliation service
	reconciler := service.NewReconciliationService(
		subscriptionStore,
		tokenStore,
		plans,
		billingProvider,
		publisher,
		businessMetrics,
		logger,
		cfg.SiteURL,
	)

	// Build route dependencies
	subscriptionHandler := api.NewSubscriptionHandler(reconciler, logger)

	stripeWebhookHandler := webhook.NewStripeHandler(
		billingProvider,
		reconciler,
		webhookEventStore,
		businessMetrics,
		logger,
		webhook.StripeWebhookConfig{WebhookSecret: cfg.Stripe.WebhookSecret},
	)

	// Configure rate limiting: API traffic comes from browsers, webhook
	// traffic from Stripe's retry machinery, so they get separate buckets.
	apiRateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer apiRateLimiter.Stop()
	webhookRateLimiter := middleware.NewRateLimiter(middleware.WebhookRateLimiterConfig())
	defer webhookRateLimiter.Stop()

	securityConfig := middleware.DefaultSecurityHeadersConfig()
	if cfg.Env == "dev" {
		securityConfig.HSTSMaxAge = 0
	}

	r := router.New(
		router.Recovery(logger),
		middleware.RequestID,
		middleware.WithRequestLogger(logger),
		httpMetrics.Middleware,
		middleware.SecurityHeaders(securityConfig),
		router.CORS([]string{cfg.SiteURL}),
		middleware.MaxBodySize(middleware.DefaultMaxBodySize),
		middleware.Timeout(middleware.DefaultTimeout),
		router.Logger(logger),
		telemetry.SentryMiddleware(),
	)

	// Metrics endpoint; protect via firewall in production
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		httpMetrics.Handler().ServeHTTP(w, req)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	routes.RegisterAPIRoutes(r, routes.APIDeps{
		SubscriptionHandler: subscriptionHandler,
		RateLimit:           apiRateLimiter.Middleware,
	})
	routes.RegisterWebhookRoutes(r, routes.WebhookDeps{
		StripeHandler: stripeWebhookHandler.HandleWebhook,
		RateLimit:     webhookRateLimiter.Middleware,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "address", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Let in-flight webhook deliveries finish before exiting
	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
