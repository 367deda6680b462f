package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	Host        string
	Port        int
	LogLevel    string
	DatabaseUrl string // empty selects the in-memory store (development only)

	// Public base URL (checkout redirects, local cover URLs)
	BaseURL string

	// Entitlement ledger
	FreeLimit           int
	StoreRetryAttempts  int
	StoreRetryBaseDelay time.Duration

	// Story generation
	GenerationTimeout time.Duration
	RefundTimeout     time.Duration
	RateLimitGenerate int // requests per minute per principal

	// AI Provider Configuration
	AIProvider           string // "anthropic" or "mock"
	AnthropicAPIKey      string
	AnthropicModel       string
	AIMaxRetries         int
	AIRetryBaseDelay     time.Duration
	AIRequestTimeout     time.Duration
	IllustrationProvider string // "picsum" or "cover"

	// Storage Configuration (rendered covers)
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string // Base directory for local file storage
	LocalStorageURL  string // Base URL for accessing local files

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string

	// Stripe Billing Configuration
	// In development, checkout answers 503 and webhooks are rejected if these are empty.
	StripeSecretKey        string // Stripe API secret key (sk_test_... or sk_live_...)
	StripeWebhookSecret    string // Stripe webhook signing secret (whsec_...)
	StripeWebhookTolerance time.Duration
	StripePriceUnlimited   string // recurring price
	StripePriceCredit      string // one-time price per story credit

	// Identity provider
	IdentityWebhookSecret string // svix signing secret (whsec_...)
	SessionPublicKey      string // PEM RSA public key for session tokens
	SessionIssuer         string

	// Admin access control: bcrypt hashes of accepted admin bearer tokens
	AdminTokenHashes []string

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string

	// Janitor
	JanitorEnabled        bool
	BillingEventRetention time.Duration
	JanitorInterval       time.Duration
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("ENV", "development"),
		Host:        getEnv("HOST", ""),
		Port:        getEnvInt("PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "debug"),
		DatabaseUrl: os.Getenv("DATABASE_URL"),

		// Base URL defaults to localhost for development
		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),

		// Ledger defaults
		FreeLimit:           getEnvInt("FREE_LIMIT", 5),
		StoreRetryAttempts:  getEnvInt("STORE_RETRY_ATTEMPTS", 3),
		StoreRetryBaseDelay: getEnvDuration("STORE_RETRY_BASE_DELAY", 25*time.Millisecond),

		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),
		RefundTimeout:     getEnvDuration("REFUND_TIMEOUT", 5*time.Second),
		RateLimitGenerate: getEnvInt("RATE_LIMIT_GENERATE", 10),

		// AI provider defaults
		AIProvider:           getEnv("AI_PROVIDER", "mock"),
		AnthropicAPIKey:      getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:       getEnv("ANTHROPIC_MODEL", ""),
		AIMaxRetries:         getEnvInt("AI_MAX_RETRIES", 3),
		AIRetryBaseDelay:     getEnvDuration("AI_RETRY_BASE_DELAY", 1*time.Second),
		AIRequestTimeout:     getEnvDuration("AI_REQUEST_TIMEOUT", 60*time.Second),
		IllustrationProvider: getEnv("ILLUSTRATION_PROVIDER", "picsum"),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("STORAGE_LOCAL_PATH", "./storage"),
		LocalStorageURL:  getEnv("STORAGE_LOCAL_URL", "http://localhost:8080/files"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:       getEnv("R2_PUBLIC_URL", ""),

		// Stripe billing (optional in development)
		StripeSecretKey:        getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:    getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookTolerance: getEnvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		StripePriceUnlimited:   getEnv("STRIPE_PRICE_UNLIMITED", ""),
		StripePriceCredit:      getEnv("STRIPE_PRICE_CREDIT", ""),

		// Identity provider
		IdentityWebhookSecret: getEnv("IDENTITY_WEBHOOK_SECRET", ""),
		SessionPublicKey:      getEnv("SESSION_PUBLIC_KEY", ""),
		SessionIssuer:         getEnv("SESSION_ISSUER", ""),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),

		// Janitor
		JanitorEnabled:        getEnvBool("JANITOR_ENABLED", true),
		BillingEventRetention: getEnvDuration("BILLING_EVENT_RETENTION", 2160*time.Hour),
		JanitorInterval:       getEnvDuration("JANITOR_INTERVAL", time.Hour),
	}

	cfg.AdminTokenHashes = getEnvList("ADMIN_TOKEN_HASHES")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations the server cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseUrl == "" && !c.IsDevelopment() {
		return fmt.Errorf("DATABASE_URL is required outside development")
	}

	if c.FreeLimit < 0 {
		return fmt.Errorf("FREE_LIMIT must not be negative, got %d", c.FreeLimit)
	}
	if c.StoreRetryAttempts < 1 {
		return fmt.Errorf("STORE_RETRY_ATTEMPTS must be at least 1, got %d", c.StoreRetryAttempts)
	}
	if c.RateLimitGenerate < 1 {
		return fmt.Errorf("RATE_LIMIT_GENERATE must be at least 1, got %d", c.RateLimitGenerate)
	}
	if c.GenerationTimeout <= 0 || c.RefundTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT and REFUND_TIMEOUT must be positive")
	}

	// Validate storage configuration
	if c.StorageProvider == "r2" {
		if c.R2AccountID == "" {
			return fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if c.R2AccessKeyID == "" {
			return fmt.Errorf("R2_ACCESS_KEY_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if c.R2SecretAccessKey == "" {
			return fmt.Errorf("R2_SECRET_ACCESS_KEY is required when STORAGE_PROVIDER is 'r2'")
		}
		if c.R2BucketName == "" {
			return fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
		if c.R2PublicURL == "" {
			return fmt.Errorf("R2_PUBLIC_URL is required when STORAGE_PROVIDER is 'r2'")
		}
	} else if c.StorageProvider != "local" {
		return fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", c.StorageProvider)
	}

	// Validate AI provider configuration
	if c.AIProvider == "anthropic" {
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is 'anthropic'")
		}
	} else if c.AIProvider != "mock" {
		return fmt.Errorf("AI_PROVIDER must be either 'anthropic' or 'mock', got: %s", c.AIProvider)
	}

	if c.IllustrationProvider != "picsum" && c.IllustrationProvider != "cover" {
		return fmt.Errorf("ILLUSTRATION_PROVIDER must be either 'picsum' or 'cover', got: %s", c.IllustrationProvider)
	}

	// Production needs real credentials for every inbound channel
	if !c.IsDevelopment() {
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required outside development")
		}
		if c.SessionPublicKey == "" {
			return fmt.Errorf("SESSION_PUBLIC_KEY is required outside development")
		}
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
