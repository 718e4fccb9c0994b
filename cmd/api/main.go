package main

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-checkout/internal/auth"
	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/config"
	"github.com/noah-isme/toko-checkout/internal/db"
	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/health"
	"github.com/noah-isme/toko-checkout/internal/lock"
	"github.com/noah-isme/toko-checkout/internal/notify"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/order"
	"github.com/noah-isme/toko-checkout/internal/payment"
	"github.com/noah-isme/toko-checkout/internal/pricing"
	"github.com/noah-isme/toko-checkout/internal/ratelimit"
	"github.com/noah-isme/toko-checkout/internal/repo"
	"github.com/noah-isme/toko-checkout/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "toko")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", false)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "toko-checkout",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]health.Check{}

	store, closeStore := mustInitStore(ctx, cfg, logger)
	defer closeStore()
	if pinger, ok := store.(interface{ Ping(context.Context) error }); ok {
		checks["db"] = pinger.Ping
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient = mustInitRedis(ctx, cfg.RedisURL, metricsEnabled, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	} else {
		logger.Warn().Msg("REDIS_URL not set: idempotency keys, session locks and shared rate limits are disabled")
	}

	emailNotifier := notify.EmailNotifier{
		Mail:    notify.LogSender{Logger: logger.With().Str("component", "mailer").Logger(), From: cfg.Notify.EmailFrom},
		Enabled: cfg.Notify.EmailEnabled,
		From:    cfg.Notify.EmailFrom,
	}
	bus := &events.Bus{}
	switch cfg.Events.Transport {
	case "asynq":
		client := asynq.NewClientFromRedisClient(redisClient)
		bus.Publisher = events.AsynqPublisher{Client: client, Queue: cfg.Events.TaskQueue, MaxRetry: 10}
		logger.Info().Str("queue", cfg.Events.TaskQueue).Msg("events published to asynq; notifications run in the worker")
	case "nats":
		nc, err := events.ConnectNATS(cfg.Events.NATSURL, "toko-checkout-api", logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer nc.Close()
		checks["nats"] = natsCheck(nc)
		bus.Publisher = events.NATSPublisher{Conn: nc, SubjectPrefix: "toko"}
		bus.Notifiers = append(bus.Notifiers, emailNotifier)
	default:
		bus.Notifiers = append(bus.Notifiers, emailNotifier)
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise token verifier")
	}

	var coupons checkout.CouponValidator
	if len(cfg.Coupons) > 0 {
		table := checkout.FixedCoupons{}
		for code, amount := range cfg.Coupons {
			table[code] = amount
		}
		coupons = table
	}
	checkoutSvc := &checkout.Service{
		Store:    store,
		Coupons:  coupons,
		Shipping: pricing.Shipping{FreeThreshold: cfg.ShippingFreeAbove, FlatFee: cfg.ShippingFlatFee},
		Currency: cfg.Currency,
		Events:   bus,
		Logger:   logger.With().Str("component", "checkout").Logger(),
		Validate: common.NewValidator(),
	}

	paymentSvc := &payment.Service{
		Store:          store,
		Gateway:        mustInitGateway(cfg, logger),
		Verifier:       mustInitWebhookVerifier(cfg, logger),
		LockTTL:        cfg.Limits.LockTTL,
		GatewayTimeout: cfg.Payment.Timeout,
		ReuseWindow:    cfg.Payment.ReuseWindow,
		MaxWebhookAge:  cfg.Payment.WebhookMaxAge,
		Currency:       cfg.Currency,
		ReturnURL:      cfg.Payment.ReturnURL,
		CallbackURL:    cfg.Payment.CallbackURL,
		Events:         bus,
		Logger:         logger.With().Str("component", "payment").Logger(),
	}
	if redisClient != nil {
		paymentSvc.Locker = lock.Locker{R: redisClient, RetryBackoff: cfg.Limits.LockRetryBackoff, MaxWait: cfg.Limits.LockTTL}
	}

	orderLimit, err := ratelimit.NewFixedWindow(cfg.Limits.OrderRate, "ratelimit:orders:", redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise order rate limit")
	}
	orderLimit.OnError = func(err error) { logger.Warn().Err(err).Msg("order rate limit store error") }

	var statusLimit func(http.Handler) http.Handler
	if redisClient != nil {
		statusLimit = ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "ratelimit:status:"},
			Config: ratelimit.Config{
				Key:    ratelimit.ByClient(""),
				Window: cfg.Limits.StatusRateWindow,
				Max:    cfg.Limits.StatusRateMax,
			},
			OnError: func(err error) { logger.Warn().Err(err).Msg("status rate limit store error") },
		}.Middleware
	} else {
		fw, err := ratelimit.NewFixedWindowRate(cfg.Limits.StatusRateMax, cfg.Limits.StatusRateWindow, "ratelimit:status:", nil)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise status rate limit")
		}
		statusLimit = fw.Middleware
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	handler := newRouter(routes{
		Logger:         logger,
		Auth:           auth.Middleware{Verifier: verifier},
		Idem:           common.Idem{R: redisClient, TTL: cfg.Limits.IdempotencyTTL},
		Checkout:       &checkout.Handler{Svc: checkoutSvc},
		Orders:         &order.Handler{Store: store},
		OrdersAdmin:    &order.AdminHandler{Store: store, Events: bus, Logger: logger.With().Str("component", "order-admin").Logger()},
		Payments:       &payment.Handler{Svc: paymentSvc},
		Health:         health.Handler{Checks: checks, Timeout: envDurationMillis("HEALTH_READY_TIMEOUT_MS", 500)},
		OrderLimit:     orderLimit.Middleware,
		StatusLimit:    statusLimit,
		WebhookMaxBody: cfg.Limits.WebhookBodyMaxKiB << 10,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		HTTPMetrics:    httpMetrics,
		Tracing:        tracingEnabled,
		Metrics:        metricsEnabled,
		HSTS:           cfg.IsProduction(),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("gateway", cfg.Payment.Gateway).Str("events", cfg.Events.Transport).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
		health.SetReady(false)
		logger.Info().Msg("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}
	logger.Info().Msg("server stopped")
}

// mustInitStore returns the PostgreSQL store when DATABASE_URL is set and the
// in-memory store with the demo catalog otherwise.
func mustInitStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (order.Store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set: using the in-memory order store with demo products")
		mem := order.NewMemoryStore()
		for _, p := range order.DemoProducts() {
			mem.PutProduct(p)
		}
		return mem, func() {}
	}
	if cfg.DBAutoMigrate {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "toko-checkout"

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(connectCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return &repo.Orders{Pool: pool}, pool.Close
}

func mustInitRedis(ctx context.Context, url string, metrics bool, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func mustInitGateway(cfg *config.Config, logger zerolog.Logger) payment.Gateway {
	if cfg.Payment.Gateway == "sandbox" {
		logger.Warn().Msg("using the sandbox payment gateway")
		return payment.SandboxGateway{}
	}
	breaker := resilience.NewBreaker(cfg.Payment.CircuitMinReq, cfg.Payment.CircuitFailure, cfg.Payment.CircuitOpenFor).
		ForGateway(gatewayHost(cfg.Payment.BaseURL)).
		WithLogger(logger)
	return payment.HTTPGateway{
		BaseURL:   cfg.Payment.BaseURL,
		SecretKey: cfg.Payment.SecretKey,
		Client: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     breaker,
			BaseBackoff: cfg.Retry.Base,
			MaxAttempts: cfg.Retry.MaxAttempts,
			Jitter:      cfg.Retry.JitterPercent,
			Timeout:     cfg.Payment.Timeout,
		},
	}
}

// gatewayHost names the gateway by the host of its base URL.
func gatewayHost(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return "http"
	}
	return u.Hostname()
}

func mustInitWebhookVerifier(cfg *config.Config, logger zerolog.Logger) payment.Verifier {
	if cfg.Payment.WebhookSecret == "" {
		return payment.NewUnsignedVerifier(logger.With().Str("component", "payment-webhook").Logger())
	}
	v, err := payment.NewHMACVerifier(cfg.Payment.WebhookSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise webhook verifier")
	}
	return v
}

func natsCheck(nc *nats.Conn) health.Check {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats " + nc.Status().String())
		}
		return nil
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	ms := fallback
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			ms = parsed
		}
	}
	return time.Duration(ms) * time.Millisecond
}
