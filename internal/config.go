package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/fp101fs/wp-gen-sub001/internal/telemetry"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string

	// Price IDs for the paid plans, one per billing cycle.
	ProMonthlyPriceID       string
	ProYearlyPriceID        string
	UnlimitedMonthlyPriceID string
	UnlimitedYearlyPriceID  string
}

type Config struct {
	Env         string
	LogLevel    string
	Port        uint16
	DatabaseUrl string

	// SiteURL is the public frontend origin. Checkout success and cancel
	// redirects are built from it, and it is the allowed CORS origin.
	SiteURL string

	// NatsUrl is optional; when empty, event publishing is disabled.
	NatsUrl string

	Stripe StripeConfig
	Sentry telemetry.SentryConfig
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists, walking up from the working directory
	// so tools run from subdirectories still find it.
	dir, err := os.Getwd()
	if err == nil {
		for range 3 {
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			dir = filepath.Dir(dir)
		}
	}

	env := getEnv("ENV", "dev")
	switch env {
	case "dev", "staging", "prod":
	default:
		return nil, fmt.Errorf("invalid ENV %q: must be dev, staging, or prod", env)
	}

	logLevel := getEnv("LOG_LEVEL", "info")
	switch logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: must be debug, info, warn, or error", logLevel)
	}

	port := getEnvInt("PORT", 8080)
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d: must be between 1 and 65535", port)
	}

	databaseUrl := getEnv("DATABASE_URL", "")
	if databaseUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		Env:         env,
		LogLevel:    logLevel,
		Port:        uint16(port),
		DatabaseUrl: databaseUrl,
		SiteURL:     strings.TrimSuffix(getEnv("SITE_URL", "http://localhost:3000"), "/"),
		NatsUrl:     getEnv("NATS_URL", ""),
		Stripe: StripeConfig{
			SecretKey:               getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:           getEnv("STRIPE_WEBHOOK_SECRET", ""),
			ProMonthlyPriceID:       getEnv("STRIPE_PRICE_PRO_MONTHLY", ""),
			ProYearlyPriceID:        getEnv("STRIPE_PRICE_PRO_YEARLY", ""),
			UnlimitedMonthlyPriceID: getEnv("STRIPE_PRICE_UNLIMITED_MONTHLY", ""),
			UnlimitedYearlyPriceID:  getEnv("STRIPE_PRICE_UNLIMITED_YEARLY", ""),
		},
		Sentry: telemetry.SentryConfig{
			DSN:         getEnv("SENTRY_DSN", ""),
			Enabled:     getEnvBool("SENTRY_ENABLED", false),
			Environment: getEnv("SENTRY_ENVIRONMENT", env),
			Release:     getEnv("SENTRY_RELEASE", ""),
			SampleRate:  getEnvFloat("SENTRY_SAMPLE_RATE", 1.0),
			Debug:       getEnvBool("SENTRY_DEBUG", false),
		},
	}

	if cfg.Env == "prod" {
		if cfg.Stripe.SecretKey == "" {
			return nil, fmt.Errorf("STRIPE_SECRET_KEY is required in prod")
		}
		if cfg.Stripe.WebhookSecret == "" {
			return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in prod")
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}
