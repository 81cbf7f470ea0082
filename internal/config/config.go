package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the vitrine backend.
type Config struct {
	BindAddress string
	Port        int
	BaseURL     string
	AdminKey    string

	DatabaseURL string

	StripeAPIKey        string
	StripeWebhookSecret string

	BoxtalBaseURL       string
	BoxtalTokenURL      string
	BoxtalClientID      string
	BoxtalClientSecret  string
	BoxtalLegacyBaseURL string
	BoxtalLegacyUser    string
	BoxtalLegacyPass    string
	BoxtalWebhookSecret string

	ClerkSecretKey string
	ClerkJWKSURL   string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
	AlertEmail   string

	S3Bucket         string
	S3Region         string
	CloudFrontDomain string

	PublicMetrics bool
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PORT", 3001)
	if err != nil {
		return nil, err
	}
	smtpPort, err := envOrDefaultInt("SMTP_PORT", 587)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BindAddress: envOrDefault("BIND_ADDRESS", "0.0.0.0"),
		Port:        port,
		BaseURL:     strings.TrimSpace(os.Getenv("BASE_URL")),
		AdminKey:    strings.TrimSpace(os.Getenv("ADMIN_KEY")),

		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),

		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),

		BoxtalBaseURL:       envOrDefault("BOXTAL_BASE_URL", "https://api.boxtal.build/shipping/v3.1"),
		BoxtalTokenURL:      envOrDefault("BOXTAL_TOKEN_URL", "https://api.boxtal.build/iam/account-app/token"),
		BoxtalClientID:      strings.TrimSpace(os.Getenv("BOXTAL_CLIENT_ID")),
		BoxtalClientSecret:  strings.TrimSpace(os.Getenv("BOXTAL_CLIENT_SECRET")),
		BoxtalLegacyBaseURL: envOrDefault("BOXTAL_LEGACY_BASE_URL", "https://www.boxtal.com/api/v1"),
		BoxtalLegacyUser:    strings.TrimSpace(os.Getenv("BOXTAL_LEGACY_USER")),
		BoxtalLegacyPass:    strings.TrimSpace(os.Getenv("BOXTAL_LEGACY_PASS")),
		BoxtalWebhookSecret: strings.TrimSpace(os.Getenv("BOXTAL_WEBHOOK_SECRET")),

		ClerkSecretKey: strings.TrimSpace(os.Getenv("CLERK_SECRET_KEY")),
		ClerkJWKSURL:   strings.TrimSpace(os.Getenv("CLERK_JWKS_URL")),

		SMTPHost:     strings.TrimSpace(os.Getenv("SMTP_HOST")),
		SMTPPort:     smtpPort,
		SMTPUsername: strings.TrimSpace(os.Getenv("SMTP_USERNAME")),
		SMTPPassword: strings.TrimSpace(os.Getenv("SMTP_PASSWORD")),
		EmailFrom:    envOrDefault("EMAIL_FROM", "noreply@vitrine.live"),
		AlertEmail:   strings.TrimSpace(os.Getenv("ALERT_EMAIL")),

		S3Bucket:         strings.TrimSpace(os.Getenv("S3_BUCKET")),
		S3Region:         envOrDefault("S3_REGION", "eu-west-3"),
		CloudFrontDomain: strings.TrimSpace(os.Getenv("CLOUDFRONT_DOMAIN")),

		PublicMetrics: envOrDefaultBool("PUBLIC_METRICS", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.BoxtalWebhookSecret == "" {
		missing = append(missing, "BOXTAL_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.BaseURL != "" {
		parsed, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("BASE_URL must be a valid URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("BASE_URL must use http or https scheme")
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}
