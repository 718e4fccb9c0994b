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
	DBAutoMigrate      bool
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	JWTAudience        string
	CORSAllowedOrigins []string
	Currency           string
	ShippingFreeAbove  int64
	ShippingFlatFee    int64
	Coupons            map[string]int64

	Payment PaymentConfig
	Poll    PollConfig
	Limits  LimitsConfig
	Retry   RetryConfig
	Events  EventsConfig
	Notify  NotifyConfig
}

// PaymentConfig configures the gateway client and the webhook endpoint.
type PaymentConfig struct {
	Gateway        string
	BaseURL        string
	SecretKey      string
	Timeout        time.Duration
	ReturnURL      string
	CallbackURL    string
	WebhookSecret  string
	WebhookMaxAge  time.Duration
	ReuseWindow    time.Duration
	CircuitMinReq  int
	CircuitFailure float64
	CircuitOpenFor time.Duration
}

// PollConfig mirrors the storefront poller defaults.
type PollConfig struct {
	Interval      time.Duration
	Timeout       time.Duration
	RedirectDelay time.Duration
	MaxBackoff    time.Duration
}

// LimitsConfig groups idempotency, locking and rate limiting knobs.
type LimitsConfig struct {
	IdempotencyTTL    time.Duration
	LockTTL           time.Duration
	LockRetryBackoff  time.Duration
	StatusRateMax     int
	StatusRateWindow  time.Duration
	OrderRate         string
	WebhookBodyMaxKiB int64
}

// RetryConfig drives the outbound HTTP retry policy.
type RetryConfig struct {
	Base          time.Duration
	MaxAttempts   int
	JitterPercent float64
}

// EventsConfig selects the domain event transport.
type EventsConfig struct {
	Transport string
	NATSURL   string
	TaskQueue string
}

// NotifyConfig toggles customer email notifications.
type NotifyConfig struct {
	EmailEnabled bool
	EmailFrom    string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	appEnv := strings.ToLower(valueOrDefault(k.String("APP_ENV"), "development"))
	gateway := strings.ToLower(valueOrDefault(k.String("PAYMENT_GATEWAY"), "sandbox"))
	cfg := &Config{
		AppEnv:             appEnv,
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		DBAutoMigrate:      parseBool(valueOrDefault(k.String("DB_AUTO_MIGRATE"), "true")),
		RedisURL:           k.String("REDIS_URL"),
		JWTSecret:          k.String("JWT_SECRET"),
		JWTIssuer:          strings.TrimSpace(k.String("JWT_ISSUER")),
		JWTAudience:        strings.TrimSpace(k.String("JWT_AUDIENCE")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		Currency:           strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "PHP")),
		ShippingFreeAbove:  parseInt64(k.String("SHIPPING_FREE_THRESHOLD"), 1000),
		ShippingFlatFee:    parseInt64(k.String("SHIPPING_FLAT_FEE"), 100),
		Payment: PaymentConfig{
			Gateway:        gateway,
			BaseURL:        strings.TrimSpace(k.String("PAYMENT_GATEWAY_BASE_URL")),
			SecretKey:      k.String("PAYMENT_GATEWAY_SECRET_KEY"),
			Timeout:        parseDuration(k.String("PAYMENT_GATEWAY_TIMEOUT"), "10s"),
			ReturnURL:      strings.TrimSpace(k.String("PAYMENT_RETURN_URL")),
			CallbackURL:    strings.TrimSpace(k.String("PAYMENT_CALLBACK_URL")),
			WebhookSecret:  strings.TrimSpace(k.String("PAYMENT_WEBHOOK_SECRET")),
			WebhookMaxAge:  parseDuration(k.String("PAYMENT_WEBHOOK_MAX_AGE"), "0s"),
			ReuseWindow:    parseDuration(k.String("PAYMENT_SESSION_REUSE_WINDOW"), "30m"),
			CircuitMinReq:  parseInt(k.String("CIRCUIT_GATEWAY_MIN_REQ"), 10),
			CircuitFailure: parseFloat(k.String("CIRCUIT_GATEWAY_FAILURE_RATE"), 0.5),
			CircuitOpenFor: parseDuration(k.String("CIRCUIT_GATEWAY_OPEN_FOR"), "30s"),
		},
		Poll: PollConfig{
			Interval:      parseDuration(k.String("POLL_INTERVAL"), "5s"),
			Timeout:       parseDuration(k.String("POLL_TIMEOUT"), "30m"),
			RedirectDelay: parseDuration(k.String("POLL_REDIRECT_DELAY"), "3s"),
			MaxBackoff:    parseDuration(k.String("POLL_MAX_BACKOFF"), "1m"),
		},
		Limits: LimitsConfig{
			IdempotencyTTL:    parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
			LockTTL:           parseDuration(k.String("LOCK_TTL"), "15s"),
			LockRetryBackoff:  parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
			StatusRateMax:     parseInt(k.String("STATUS_RATE_LIMIT_MAX"), 120),
			StatusRateWindow:  parseDuration(k.String("STATUS_RATE_LIMIT_WINDOW"), "1m"),
			OrderRate:         valueOrDefault(k.String("ORDER_RATE_LIMIT"), "20-M"),
			WebhookBodyMaxKiB: parseInt64(k.String("WEBHOOK_BODY_MAX_KIB"), 64),
		},
		Retry: RetryConfig{
			Base:          parseDuration(k.String("RETRY_BASE"), "200ms"),
			MaxAttempts:   parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
			JitterPercent: parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
		},
		Events: EventsConfig{
			Transport: strings.ToLower(valueOrDefault(k.String("EVENTS_TRANSPORT"), "none")),
			NATSURL:   valueOrDefault(k.String("NATS_URL"), "nats://127.0.0.1:4222"),
			TaskQueue: valueOrDefault(k.String("TASK_QUEUE"), "default"),
		},
		Notify: NotifyConfig{
			EmailEnabled: parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
			EmailFrom:    valueOrDefault(k.String("NOTIFY_EMAIL_FROM"), "orders@toko.local"),
		},
	}
	coupons, err := parseCoupons(k.String("COUPON_CODES"))
	if err != nil {
		return nil, err
	}
	cfg.Coupons = coupons

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.Payment.Gateway {
	case "sandbox":
	case "http":
		if c.Payment.BaseURL == "" {
			return errors.New("PAYMENT_GATEWAY_BASE_URL is required when PAYMENT_GATEWAY=http")
		}
	default:
		return fmt.Errorf("PAYMENT_GATEWAY %q is not supported (use sandbox or http)", c.Payment.Gateway)
	}
	switch c.Events.Transport {
	case "none", "asynq", "nats":
	default:
		return fmt.Errorf("EVENTS_TRANSPORT %q is not supported (use none, asynq or nats)", c.Events.Transport)
	}
	if c.Events.Transport == "asynq" && c.RedisURL == "" {
		return errors.New("REDIS_URL is required when EVENTS_TRANSPORT=asynq")
	}
	if c.IsProduction() {
		if c.Payment.WebhookSecret == "" {
			return errors.New("PAYMENT_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required in production")
		}
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required in production")
		}
		if c.Payment.Gateway == "sandbox" {
			return errors.New("PAYMENT_GATEWAY=sandbox is not allowed in production")
		}
	}
	return nil
}

// IsProduction reports whether APP_ENV selects production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production" || c.AppEnv == "prod"
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

// parseCoupons reads CODE=amount pairs separated by commas.
func parseCoupons(value string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, pair := range splitAndTrim(value) {
		code, amount, ok := strings.Cut(pair, "=")
		code = strings.ToUpper(strings.TrimSpace(code))
		if !ok || code == "" {
			return nil, fmt.Errorf("COUPON_CODES: malformed entry %q", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("COUPON_CODES: invalid amount for %s", code)
		}
		out[code] = n
	}
	return out, nil
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
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func parseInt64(value string, fallback int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
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
