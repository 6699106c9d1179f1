package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"duka-service/internal/pkg/jwt"
)

type AppConfig struct {
	// Server
	HTTPAddr  string
	AppEnv    string
	RedisAddr string
	RedisPass string

	// Storage
	DBDriver    string // postgres | sqlite
	DatabaseURL string
	SQLitePath  string
	DBMaxConns  int
	AutoMigrate bool

	// JWT
	JWT jwt.Config

	// Channels
	PushWebhookToken      string
	CustomerWebhookToken  string
	CustomerShortCode     string
	CheckoutWebhookSecret string
	CheckoutStatusURL     string
	WebhookTimeout        time.Duration
	WebhookRateLimit      int

	// Entitlement
	AccessCodePrefix string
	TrialLength      time.Duration
	Currency         string
	PlanCacheTTL     time.Duration

	// Processing
	ApplyMaxRetries int
	DispatchWorkers int
	DispatchQueue   int
	ReplayInterval  time.Duration
	ReplayAfter     time.Duration

	// Reminders
	ReminderInterval time.Duration
	ReminderLockTTL  time.Duration

	// Notifications
	NotifyGatewayURL string

	// SMTP
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPass     string
	SMTPFromName string
	SMTPSecure   bool
}

// Load loads environment variables into AppConfig.
func Load() AppConfig {
	return AppConfig{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8000"),
		AppEnv:    getEnv("APP_ENV", "production"),
		RedisAddr: getEnv("REDIS_ADDR", ""),
		RedisPass: getEnv("REDIS_PASS", ""),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "postgres")),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/duka.db"),
		DBMaxConns:  getEnvInt("DB_MAX_CONNS", 10),
		AutoMigrate: getEnvBool("DB_AUTO_MIGRATE", true),

		JWT: jwt.Config{
			PrivPath: getEnv("JWT_PRIVATE_KEY_PATH", ""),
			PubPath:  getEnv("JWT_PUBLIC_KEY_PATH", "/app/secrets/jwt_public.pem"),
			Issuer:   getEnv("JWT_ISSUER", "duka-auth"),
			Audience: getEnv("JWT_AUDIENCE", "duka-stores"),
			TTL:      getEnvDuration("JWT_TTL", 720*time.Hour),
			KID:      getEnv("JWT_KID", "duka-key"),
		},

		PushWebhookToken:      getEnv("PUSH_WEBHOOK_TOKEN", ""),
		CustomerWebhookToken:  getEnv("CUSTOMER_WEBHOOK_TOKEN", ""),
		CustomerShortCode:     getEnv("CUSTOMER_SHORT_CODE", ""),
		CheckoutWebhookSecret: getEnv("CHECKOUT_WEBHOOK_SECRET", ""),
		CheckoutStatusURL:     getEnv("CHECKOUT_STATUS_URL", ""),
		WebhookTimeout:        getEnvDuration("WEBHOOK_TIMEOUT", 3*time.Second),
		WebhookRateLimit:      getEnvInt("WEBHOOK_RATE_LIMIT", 120),

		AccessCodePrefix: strings.ToUpper(getEnv("ACCESS_CODE_PREFIX", "DUKA")),
		TrialLength:      getEnvDuration("TRIAL_LENGTH", 14*24*time.Hour),
		Currency:         strings.ToUpper(getEnv("CURRENCY", "KES")),
		PlanCacheTTL:     getEnvDuration("PLAN_CACHE_TTL", 5*time.Minute),

		ApplyMaxRetries: getEnvInt("APPLY_MAX_RETRIES", 3),
		DispatchWorkers: getEnvInt("DISPATCH_WORKERS", 4),
		DispatchQueue:   getEnvInt("DISPATCH_QUEUE", 256),
		ReplayInterval:  getEnvDuration("REPLAY_INTERVAL", time.Minute),
		ReplayAfter:     getEnvDuration("REPLAY_AFTER", 30*time.Second),

		ReminderInterval: getEnvDuration("REMINDER_INTERVAL", 24*time.Hour),
		ReminderLockTTL:  getEnvDuration("REMINDER_LOCK_TTL", 10*time.Minute),

		NotifyGatewayURL: getEnv("NOTIFY_GATEWAY_URL", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "465"),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPass:     getEnv("SMTP_PASS", ""),
		SMTPFromName: getEnv("SMTP_FROM_NAME", "Duka"),
		SMTPSecure:   getEnvBool("SMTP_SECURE", true),
	}
}

func (c AppConfig) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// --- Helper functions ---

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "24h") and a day suffix ("14d").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if days, ok := strings.CutSuffix(v, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil {
			return time.Duration(n) * 24 * time.Hour
		}
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(v) == "true" || v == "1"
	}
	return fallback
}
