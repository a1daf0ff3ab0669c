package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterstdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-contest/internal/app"
	"github.com/noah-isme/backend-contest/internal/auth"
	"github.com/noah-isme/backend-contest/internal/batch"
	"github.com/noah-isme/backend-contest/internal/common"
	"github.com/noah-isme/backend-contest/internal/config"
	"github.com/noah-isme/backend-contest/internal/event"
	"github.com/noah-isme/backend-contest/internal/events"
	"github.com/noah-isme/backend-contest/internal/faq"
	"github.com/noah-isme/backend-contest/internal/health"
	"github.com/noah-isme/backend-contest/internal/invoice"
	"github.com/noah-isme/backend-contest/internal/notify"
	"github.com/noah-isme/backend-contest/internal/obs"
	"github.com/noah-isme/backend-contest/internal/payment"
	"github.com/noah-isme/backend-contest/internal/ratelimit"
	"github.com/noah-isme/backend-contest/internal/resilience"
	"github.com/noah-isme/backend-contest/internal/school"
	"github.com/noah-isme/backend-contest/internal/security"
	"github.com/noah-isme/backend-contest/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "contest")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "contest-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				ctx := context.Background()
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "contest-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	st := store.New(pool)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
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
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	taskClient := asynq.NewClient(asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB})
	defer func() {
		if err := taskClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close task client")
		}
	}()

	mailer := common.NopEmailSender{}

	dispatcher := &notify.Dispatcher{
		Store: st,
		HTTP: &resilience.HTTPClient{
			Client: &http.Client{
				Timeout:   cfg.WebhookRequestTimeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
			Breaker: resilience.NewBreaker(cfg.CircuitWebhookMinReq, cfg.CircuitWebhookFailureRate, cfg.CircuitWebhookOpenFor),
		},
		Tasks:          notify.AsynqEnqueuer{Client: taskClient},
		BackoffBaseSec: cfg.WebhookBackoffBaseSec,
		MaxAttempts:    cfg.WebhookDefaultMaxAttempts,
		Enabled:        cfg.WebhookDeliveryEnabled,
		Replay:         notify.RedisReplayProtector{Client: redisClient},
		ReplayTTL:      cfg.WebhookReplayTTL,
		Logger:         logger,
	}
	emailNotifier := notify.EmailNotifier{
		Mail:    mailer,
		Schools: st,
		Enabled: cfg.NotifyEmailEnabled,
	}
	invoiceSvc := &invoice.Service{Store: st, Logger: logger}
	bus := &events.Bus{
		Store:     st,
		Scheduler: dispatcher,
		Notifiers: []events.Notifier{invoiceSvc, emailNotifier},
	}
	invoiceSvc.Events = bus

	schoolSvc, err := school.NewService(st, cfg.SchoolCodeMaxAttempts)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise school service")
	}
	schoolHandler := &school.Handler{Service: schoolSvc}

	authSvc, err := auth.NewService(auth.Config{
		Store:           st,
		Secret:          cfg.JWTSecret,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise auth service")
	}
	authHandler := &auth.Handler{
		Service:           authSvc,
		RefreshCookieName: cfg.RefreshCookieName,
		CSRFCookieName:    "X-CSRF-Token",
		CookieDomain:      cfg.RefreshCookieDomain,
		CookieSecure:      cfg.RefreshCookieSecure,
		CookieSameSite:    cfg.RefreshCookieSameSite,
	}
	authMiddleware := auth.Middleware{Service: authSvc}

	eventSvc, err := event.NewService(event.ServiceConfig{
		Store: st,
		Cache: event.NewCache(redisClient, 5*time.Minute),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise event service")
	}
	eventHandler := event.NewHandler(event.HandlerConfig{Service: eventSvc})

	batchSvc, err := batch.NewService(batch.ServiceConfig{
		Store:  st,
		RunTx:  batch.PoolTxRunner(pool, st),
		Events: bus,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise batch service")
	}
	batchHandler := batch.NewHandler(batch.HandlerConfig{Service: batchSvc})

	invoiceHandler := &invoice.Handler{Service: invoiceSvc}

	providers := map[string]payment.Provider{
		"stripe": payment.Stripe{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		},
		"razorpay": payment.Razorpay{
			KeyID:     cfg.RazorpayKeyID,
			KeySecret: cfg.RazorpayKeySecret,
		},
	}
	activeProvider := providers[cfg.PaymentProvider]
	if activeProvider == nil {
		activeProvider = providers["razorpay"]
	}
	paymentSvc := &payment.Service{
		Store:           st,
		Provider:        activeProvider,
		IntentTTL:       cfg.PaymentIntentTTL,
		CallbackBaseURL: cfg.PaymentCallbackBaseURL,
	}
	paymentHandler := &payment.Handler{Service: paymentSvc}
	paymentWebhook := &payment.Webhook{
		Store:     st,
		RunTx:     payment.PoolTxRunner(pool, st),
		Providers: providers,
		Replay:    redisClient,
		ReplayTTL: cfg.WebhookReplayTTL,
		Events:    bus,
		Logger:    logger,
	}

	faqSvc := &faq.Service{Store: st}
	faqHandler := &faq.Handler{Service: faqSvc}

	notifyAdmin := &notify.AdminHandler{Store: st}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}
	loginLimiter := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "rl:login:"},
		Config: ratelimit.Config{
			Key:    common.ClientIP,
			Window: cfg.LoginRateWindow,
			Max:    cfg.LoginRateMax,
		},
		OnError: func(err error) {
			logger.Error().Err(err).Msg("login rate limiter")
		},
	}

	publicRate, err := limiter.NewRateFromFormatted(cfg.PublicRateFormat)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse public rate format")
	}
	limiterStore, err := app.NewLimiterStore(redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter store")
	}
	publicLimiter := limiterstdlib.NewMiddleware(limiter.New(limiterStore, publicRate))

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{
		Enable:     envBool("SECURE_HEADERS_ENABLED", true),
		EnableHSTS: envBool("SECURE_HSTS_ENABLED", false),
	}.Middleware)
	r.Use(security.BodyLimit{Max: int64(envInt("SECURE_MAX_BODY_BYTES", 1<<20))}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Admin-Key", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", true) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Group(func(pub chi.Router) {
			pub.Use(publicLimiter.Handler)
			pub.Get("/events", eventHandler.List)
			pub.Get("/events/{slug}", eventHandler.Detail)
			pub.Post("/batches/preview", batchHandler.Preview)
			pub.Post("/faq/search", faqHandler.Search)
		})

		v.Route("/schools", func(s chi.Router) {
			s.Post("/register", schoolHandler.Register)
			s.With(authMiddleware.RequireAuth).Get("/me", schoolHandler.Me)
		})

		v.Route("/auth", func(a chi.Router) {
			a.With(loginLimiter.Middleware).Post("/login", authHandler.Login)
			// refresh and logout ride on the refresh cookie, so they need
			// double-submit CSRF protection
			csrf := security.CSRF{}
			a.With(csrf.Middleware).Post("/refresh", authHandler.Refresh)
			a.With(csrf.Middleware).Post("/logout", authHandler.Logout)
		})

		v.Group(func(authR chi.Router) {
			authR.Use(authMiddleware.RequireAuth)
			authR.With(idem.Middleware).Post("/batches", batchHandler.Create)
			authR.Get("/batches", batchHandler.List)
			authR.Get("/batches/{batchID}", batchHandler.Get)
			authR.With(idem.Middleware).Post("/batches/{batchID}/payments", paymentHandler.CreateIntent)
			authR.Get("/batches/{batchID}/payments/status", paymentHandler.Status)
			authR.Get("/batches/{batchID}/invoice", invoiceHandler.ForBatch)
			authR.Get("/invoices", invoiceHandler.List)
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(requireAdminKey(cfg.AdminAPIKey))
			admin.Post("/events", eventHandler.Create)
			admin.Patch("/events/{id}/fee", eventHandler.UpdateFee)
			admin.Post("/events/{id}/discount-rules", eventHandler.AddRule)
			admin.Delete("/events/{id}/discount-rules/{ruleID}", eventHandler.RemoveRule)
			admin.Post("/batches/{batchID}/certificates", batchHandler.IssueCertificates)
			admin.Get("/faqs", faqHandler.List)
			admin.Post("/faqs", faqHandler.Create)
			admin.Put("/faqs/{id}", faqHandler.Update)
			admin.Delete("/faqs/{id}", faqHandler.Delete)
			admin.Post("/webhooks", notifyAdmin.CreateEndpoint)
			admin.Get("/webhooks", notifyAdmin.ListEndpoints)
			admin.Patch("/webhooks/{id}", notifyAdmin.SetEndpointActive)
		})

		v.Post("/webhooks/payments/{provider}", paymentWebhook.ServeHTTP)
	})

	// sweeper for deliveries whose queue task was lost
	if cfg.WebhookDeliveryEnabled {
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				if err := dispatcher.WorkOnce(context.Background(), 50); err != nil {
					logger.Error().Err(err).Msg("dispatch webhook sweep")
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// fail readiness first so load balancers drain before connections close
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server shutdown complete")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func requireAdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				common.JSONError(w, http.StatusServiceUnavailable, common.CodeInternal, "admin API is not configured", nil)
				return
			}
			provided := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				common.JSONError(w, http.StatusForbidden, common.CodeForbidden, "forbidden", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
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
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
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

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
