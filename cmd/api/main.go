package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"

	"github.com/MachinePay/totem-payments/internal/config"
	"github.com/MachinePay/totem-payments/internal/confirm"
	"github.com/MachinePay/totem-payments/internal/gateway"
	"github.com/MachinePay/totem-payments/internal/health"
	"github.com/MachinePay/totem-payments/internal/ingest"
	"github.com/MachinePay/totem-payments/internal/janitor"
	"github.com/MachinePay/totem-payments/internal/lock"
	"github.com/MachinePay/totem-payments/internal/obs"
	"github.com/MachinePay/totem-payments/internal/order"
	"github.com/MachinePay/totem-payments/internal/ratelimit"
	"github.com/MachinePay/totem-payments/internal/resilience"
	"github.com/MachinePay/totem-payments/internal/resolve"
	"github.com/MachinePay/totem-payments/internal/sched"
	"github.com/MachinePay/totem-payments/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "totem")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	if metricsEnabled {
		obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	}

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:    "totem-payments",
			Endpoint:       envOrDefault("OBS_OTLP_ENDPOINT", ""),
			SamplingRatio:  envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:    cfg.AppEnv,
			TerminalDevice: cfg.TerminalDeviceID,
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

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelBoot()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "totem-payments"

	pool, err := pgxpool.NewWithConfig(bootCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := pool.Ping(bootCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	orders := &order.PGStore{Pool: pool}
	if err := orders.EnsureSchema(bootCtx); err != nil {
		logger.Fatal().Err(err).Msg("ensure order schema")
	}

	// Redis is optional: without it the confirmation cache lives in memory
	// and the sweep lock degrades to a no-op, which is fine single-replica.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse redis url")
		}
		redisClient = redis.NewClient(redisOpts)
		if tracingEnabled {
			if err := redisotel.InstrumentTracing(redisClient); err != nil {
				logger.Error().Err(err).Msg("instrument redis tracing")
			}
		}
		if metricsEnabled {
			if err := redisotel.InstrumentMetrics(redisClient); err != nil {
				logger.Error().Err(err).Msg("instrument redis metrics")
			}
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
		if err := redisClient.Ping(bootCtx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("ping redis")
		}
	}

	var confirmations confirm.Store
	if redisClient != nil {
		confirmations = &confirm.RedisStore{Client: redisClient, SafetyTTL: 2 * cfg.ConfirmationTTL}
	} else {
		confirmations = confirm.NewMemoryStore()
	}

	gw := &gateway.Client{
		BaseURL:     cfg.GatewayBaseURL,
		AccessToken: cfg.GatewayAccessToken,
		HTTP: &resilience.HTTPClient{
			Client:      &http.Client{Timeout: cfg.GatewayHTTPTimeout},
			Breaker:     resilience.NewBreaker(10, 0.5, 30*time.Second).WithLogger(logger),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: 3,
			Jitter:      0.2,
			Timeout:     cfg.GatewayHTTPTimeout,
		},
		Logger: logger,
	}

	sweeper := &janitor.Sweeper{
		Gateway:     gw,
		DeviceID:    cfg.TerminalDeviceID,
		Locker:      lock.Locker{R: redisClient},
		LockTTL:     cfg.SweepInterval,
		DeleteRetry: resilience.Policy{MaxAttempts: cfg.DeleteRetryAttempts, Interval: cfg.DeleteRetryDelay},
		Logger:      logger,
	}

	resolver := &resolve.Resolver{
		Gateway:       gw,
		Confirmations: confirmations,
		Sweeper:       sweeper,
		SearchWindow:  cfg.SearchWindow,
		Logger:        logger,
	}

	ingestor := &ingest.Ingestor{
		Gateway:       gw,
		Confirmations: confirmations,
		Replay:        redisClient,
		ReplayTTL:     cfg.WebhookReplayTTL,
		LookupTimeout: 5 * time.Second,
		Logger:        logger,
	}

	coordinator := &order.Coordinator{
		Orders:   orders,
		Gateway:  gw,
		Resolver: resolver,
		DeviceID: cfg.TerminalDeviceID,
		Budget:   resilience.Policy{MaxAttempts: cfg.PollMaxAttempts, Interval: cfg.PollInterval},
		Logger:   logger,
	}
	payments := order.NewHandler(coordinator, orders, sweeper)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers)
	r.Use(security.MaxBody(envInt64("SECURE_MAX_BODY_BYTES", 1<<20)))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	healthHandler := health.Handler{
		Checker:        readinessChecker{db: pool, redis: redisClient, gateway: gw, deviceID: cfg.TerminalDeviceID},
		DBTimeout:      envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout:   envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		GatewayTimeout: envDurationMillis("HEALTH_READY_GATEWAY_TIMEOUT_MS", 1000),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Post("/orders", payments.CreateOrder)
	r.Route("/payment", func(p chi.Router) {
		p.Post("/create", payments.CreatePayment)
		p.Get("/status/{intentId}", payments.Status)
		p.Get("/status/{intentId}/wait", payments.AwaitStatus)
		p.Delete("/cancel/{intentId}", payments.Cancel)
		p.Post("/clear-queue", payments.ClearQueue)
	})
	notifyLimit := ratelimit.PerIP{
		Limiter: ratelimit.Limiter{Client: redisClient},
		Window:  time.Minute,
		Max:     envInt("NOTIFY_RATE_LIMIT_PER_MINUTE", 120),
		Logger:  logger,
	}
	r.Group(func(n chi.Router) {
		n.Use(notifyLimit.Middleware)
		n.Post("/webhooks/gateway", ingestor.Webhook)
		n.Post("/notifications/gateway", ingestor.IPN)
	})

	runner := &sched.Runner{Logger: logger}
	runner.Add(sched.Task{
		Name:     "terminal-queue-sweep",
		Interval: cfg.SweepInterval,
		Run:      sweeper.PassiveSweep,
	})
	runner.Add(sched.Task{
		Name:     "confirmation-eviction",
		Interval: cfg.EvictionInterval,
		Run: func(ctx context.Context) error {
			evicted, err := confirmations.EvictOlderThan(ctx, cfg.ConfirmationTTL)
			if err != nil {
				return err
			}
			if evicted > 0 {
				if obs.ConfirmationEvictions != nil {
					obs.ConfirmationEvictions.Add(float64(evicted))
				}
				logger.Info().Int("evicted", evicted).Msg("confirmation cache sweep")
			}
			return nil
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runner.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("device", cfg.TerminalDeviceID).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db       *pgxpool.Pool
	redis    *redis.Client
	gateway  *gateway.Client
	deviceID string
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func (c readinessChecker) PingGateway(ctx context.Context, timeout time.Duration) error {
	if c.gateway == nil {
		return errors.New("gateway not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.gateway.ListIntents(ctx, c.deviceID)
	return err
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

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
