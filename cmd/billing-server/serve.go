package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/config"
	"github.com/ehr/billing/internal/domain/activity"
	"github.com/ehr/billing/internal/domain/billing"
	"github.com/ehr/billing/internal/domain/entitlement"
	"github.com/ehr/billing/internal/domain/payment"
	"github.com/ehr/billing/internal/domain/plan"
	"github.com/ehr/billing/internal/domain/subscription"
	"github.com/ehr/billing/internal/domain/tenant"
	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/gateway"
	"github.com/ehr/billing/internal/platform/middleware"
	"github.com/ehr/billing/internal/platform/telemetry"
	"github.com/ehr/billing/internal/platform/validation"
)

const (
	requestTimeout   = 30 * time.Second
	shutdownTimeout  = 10 * time.Second
	defaultBodyLimit = "1M"
	webhookBodyLimit = "512K"
)

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// newGateway returns the Stripe adapter, or a disabled gateway when no key is
// configured so that ledger-only deployments still serve invoices.
func newGateway(cfg *config.Config, metrics *telemetry.Metrics, logger zerolog.Logger) gateway.Gateway {
	if !cfg.GatewayEnabled() {
		logger.Warn().Msg("STRIPE_SECRET_KEY not set, payment gateway disabled")
		return gateway.Disabled{}
	}
	opts := []gateway.Option{
		gateway.WithTimeout(cfg.GatewayTimeout),
		gateway.WithRetries(cfg.GatewayMaxRetries, cfg.GatewayRetryBaseDelay),
		gateway.WithMetrics(metrics),
		gateway.WithLogger(logger),
	}
	if cfg.StripeAPIURL != "" {
		opts = append(opts, gateway.WithAPIURL(cfg.StripeAPIURL))
	}
	return gateway.NewStripe(cfg.StripeSecretKey, opts...)
}

// newPlanCache shares plan listings through Redis when REDIS_URL is set and
// keeps them in process otherwise.
func newPlanCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (plan.Cache, func(), error) {
	if cfg.RedisURL == "" {
		return plan.NewLocalCache(cfg.PlanCacheTTL), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("plan cache using redis")
	return plan.NewRedisCache(client, "", cfg.PlanCacheTTL), func() { _ = client.Close() }, nil
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(jwtConfig(cfg))
	}
	return auth.JWTMiddleware(jwtConfig(cfg))
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	metrics := telemetry.NewMetrics(nil)
	tx := db.NewTransactor(pool)
	guard := entitlement.NewGuard()

	planCache, closeCache, err := newPlanCache(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up plan cache")
	}
	defer closeCache()

	gw := newGateway(cfg, metrics, logger)

	// Services
	activityRepo := activity.NewRepoPG(pool)
	activityWriter := activity.NewWriter(activityRepo, logger, metrics)
	activitySvc := activity.NewService(activityRepo, guard)

	tenantSvc := tenant.NewService(tenant.NewRepoPG(pool), guard,
		tenant.WithActivity(activityWriter),
	)
	planSvc := plan.NewService(plan.NewRepoPG(pool), tx, guard,
		plan.WithCache(planCache),
		plan.WithActivity(activityWriter),
		plan.WithMetrics(metrics),
		plan.WithLogger(logger),
		plan.WithDefaultCurrency(cfg.DefaultCurrency),
	)
	subSvc := subscription.NewService(subscription.NewRepoPG(pool), tx, tenantSvc, planSvc, guard,
		subscription.WithActivity(activityWriter),
		subscription.WithMetrics(metrics),
		subscription.WithLogger(logger),
		subscription.WithIDs(uuid.New),
	)
	paymentSvc := payment.NewService(payment.NewRepoPG(pool), payment.NewSequencePG(pool), tx, subSvc, tenantSvc, guard,
		payment.WithActivity(activityWriter),
		payment.WithMetrics(metrics),
		payment.WithLogger(logger),
	)
	billingSvc := billing.NewService(subSvc, tenantSvc, planSvc, gw, guard,
		billing.WithReturnURL(cfg.PortalReturnURL),
		billing.WithLogger(logger),
	)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(middleware.SecurityConfig{HSTS: !cfg.IsDev()}))
	e.Use(middleware.BodyLimit(defaultBodyLimit, webhookBodyLimit))
	e.Use(middleware.RequestTimeout(requestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(auth.Skip(authMiddleware(cfg), auth.AuthSkipper))
	e.Use(middleware.Audit(logger, activity.AuditRecorder(activityWriter)))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	// Operational endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, metrics, logger))
	e.GET("/metrics", metrics.Handler())

	api := e.Group("", middleware.RateLimit(rateLimitCfg))

	tenant.NewHandler(tenantSvc).RegisterRoutes(api)
	plan.NewHandler(planSvc).RegisterRoutes(api)
	subscription.NewHandler(subSvc).RegisterRoutes(api)
	subscription.NewWebhookHandler(subSvc, paymentSvc, gateway.NewWebhookVerifier(cfg.StripeWebhookSecret), metrics, logger).
		RegisterRoutes(api)
	payment.NewHandler(paymentSvc).RegisterRoutes(api)
	billing.NewHandler(billingSvc).RegisterRoutes(api)

	// The activity trail is a subscriber feature.
	activity.NewHandler(activitySvc).RegisterRoutes(api, entitlement.RequireActiveSubscription(subSvc))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
