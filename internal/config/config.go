package config

import (
	"errors"
	"fmt"
	"net/http"
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
	JWTSecret          string
	AdminAPIKey        string
	CORSAllowedOrigins []string
	PublicBaseURL      string

	CurrencyCode string

	PaymentProvider        string
	PaymentIntentTTL       time.Duration
	PaymentCallbackBaseURL string
	StripeSecretKey        string
	StripeWebhookSecret    string
	RazorpayKeyID          string
	RazorpayKeySecret      string

	AccessTokenTTL        time.Duration
	RefreshTokenTTL       time.Duration
	RefreshCookieName     string
	RefreshCookieDomain   string
	RefreshCookieSecure   bool
	RefreshCookieSameSite http.SameSite

	IdempotencyTTL   time.Duration
	LoginRateWindow  time.Duration
	LoginRateMax     int
	PublicRateFormat string

	SchoolCodeMaxAttempts int

	WebhookDeliveryEnabled    bool
	WebhookRequestTimeout     time.Duration
	WebhookBackoffBaseSec     int
	WebhookDefaultMaxAttempts int
	WebhookReplayTTL          time.Duration
	WebhookSigningSecret      string

	CircuitWebhookMinReq      int
	CircuitWebhookFailureRate float64
	CircuitWebhookOpenFor     time.Duration

	NotifyEmailEnabled bool
	NotifyEmailFrom    string

	LockTTL          time.Duration
	LockRetryBackoff time.Duration
}

// Load reads configuration from environment variables and optional .env files.
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
		JWTSecret:          k.String("JWT_SECRET"),
		AdminAPIKey:        strings.TrimSpace(k.String("ADMIN_API_KEY")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		PublicBaseURL:      strings.TrimSpace(k.String("PUBLIC_BASE_URL")),

		CurrencyCode: valueOrDefault(strings.ToUpper(strings.TrimSpace(k.String("CURRENCY_CODE"))), "INR"),

		PaymentProvider:        valueOrDefault(strings.ToLower(strings.TrimSpace(k.String("PAYMENT_PROVIDER"))), "razorpay"),
		PaymentIntentTTL:       parseDuration(k.String("PAYMENT_INTENT_TTL"), "15m"),
		PaymentCallbackBaseURL: strings.TrimSpace(k.String("PAYMENT_CALLBACK_BASE_URL")),
		StripeSecretKey:        k.String("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:    k.String("STRIPE_WEBHOOK_SECRET"),
		RazorpayKeyID:          k.String("RAZORPAY_KEY_ID"),
		RazorpayKeySecret:      k.String("RAZORPAY_KEY_SECRET"),

		AccessTokenTTL:        parseDuration(k.String("ACCESS_TOKEN_TTL"), "15m"),
		RefreshTokenTTL:       parseDuration(k.String("REFRESH_TOKEN_TTL"), "720h"),
		RefreshCookieName:     valueOrDefault(k.String("REFRESH_COOKIE_NAME"), "contest_refresh"),
		RefreshCookieDomain:   strings.TrimSpace(k.String("REFRESH_COOKIE_DOMAIN")),
		RefreshCookieSecure:   parseBool(k.String("REFRESH_COOKIE_SECURE")),
		RefreshCookieSameSite: parseSameSite(k.String("REFRESH_COOKIE_SAMESITE")),

		IdempotencyTTL:  parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		LoginRateWindow: parseDuration(k.String("LOGIN_RATE_WINDOW"), "1m"),
		LoginRateMax:    parseInt(k.String("LOGIN_RATE_MAX"), 10),
		// ulule/limiter formatted rate for public endpoints, e.g. "30-M".
		PublicRateFormat: valueOrDefault(k.String("PUBLIC_RATE_FORMAT"), "30-M"),

		SchoolCodeMaxAttempts: parseInt(k.String("SCHOOL_CODE_MAX_ATTEMPTS"), 10),

		WebhookDeliveryEnabled:    parseBool(valueOrDefault(k.String("WEBHOOK_DELIVERY_ENABLED"), "true")),
		WebhookRequestTimeout:     parseDuration(k.String("WEBHOOK_REQUEST_TIMEOUT"), "10s"),
		WebhookBackoffBaseSec:     parseInt(k.String("WEBHOOK_BACKOFF_BASE_SEC"), 30),
		WebhookDefaultMaxAttempts: parseInt(k.String("WEBHOOK_MAX_ATTEMPTS"), 6),
		WebhookReplayTTL:          parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "48h"),
		WebhookSigningSecret:      k.String("WEBHOOK_SIGNING_SECRET"),

		CircuitWebhookMinReq:      parseInt(k.String("CIRCUIT_WEBHOOK_MIN_REQ"), 10),
		CircuitWebhookFailureRate: parseFloat(k.String("CIRCUIT_WEBHOOK_FAILURE_RATE"), 0.5),
		CircuitWebhookOpenFor:     parseDuration(k.String("CIRCUIT_WEBHOOK_OPEN_FOR"), "30s"),

		NotifyEmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyEmailFrom:    valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "no-reply@contesthub.example"),

		LockTTL:          parseDuration(k.String("LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "250ms"),
	}

	if cfg.RefreshCookieSameSite == http.SameSiteDefaultMode {
		cfg.RefreshCookieSameSite = http.SameSiteLaxMode
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	switch cfg.CurrencyCode {
	case "INR", "USD":
	default:
		return nil, fmt.Errorf("CURRENCY_CODE %q is not supported", cfg.CurrencyCode)
	}

	return cfg, nil
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
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
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
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseSameSite(value string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "lax":
		return http.SameSiteLaxMode
	default:
		return http.SameSiteDefaultMode
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
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

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
