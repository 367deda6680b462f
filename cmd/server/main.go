package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brahmajyot/story-time/internal"
	"github.com/Brahmajyot/story-time/internal/ai"
	"github.com/Brahmajyot/story-time/internal/ai/anthropic"
	"github.com/Brahmajyot/story-time/internal/ai/mock"
	"github.com/Brahmajyot/story-time/internal/ai/picsum"
	"github.com/Brahmajyot/story-time/internal/auth"
	"github.com/Brahmajyot/story-time/internal/billing"
	"github.com/Brahmajyot/story-time/internal/handler"
	"github.com/Brahmajyot/story-time/internal/metrics"
	"github.com/Brahmajyot/story-time/internal/middleware"
	"github.com/Brahmajyot/story-time/internal/repository"
	"github.com/Brahmajyot/story-time/internal/service"
	"github.com/Brahmajyot/story-time/internal/storage"
	"github.com/Brahmajyot/story-time/internal/worker"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize the ledger store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// ==========================================================================
	// Story generation collaborators
	// ==========================================================================

	writer, err := newStoryWriter(cfg, logger)
	if err != nil {
		return fmt.Errorf("story writer initialization failed: %w", err)
	}

	var fileStorage storage.Storage
	var illustrator ai.Illustrator = picsum.New()
	if cfg.IllustrationProvider == "cover" {
		fileStorage, err = newStorage(cfg, logger)
		if err != nil {
			return fmt.Errorf("storage initialization failed: %w", err)
		}
		illustrator = service.NewCoverIllustrator(fileStorage, logger)
	}
	logger.Info("Story providers ready", "writer", cfg.AIProvider, "illustrator", cfg.IllustrationProvider)

	// ==========================================================================
	// Services
	// ==========================================================================

	quotaConfig := service.QuotaConfig{
		FreeLimit:      cfg.FreeLimit,
		RetryAttempts:  uint64(cfg.StoreRetryAttempts),
		RetryBaseDelay: cfg.StoreRetryBaseDelay,
	}
	quotaService := service.NewQuotaService(store, quotaConfig, logger)
	linkerService := service.NewLinkerService(store, logger)
	reconcilerService := service.NewReconcilerService(store, linkerService, quotaConfig, logger)
	principalService := service.NewPrincipalService(store, cfg.FreeLimit, logger)
	storyService := service.NewStoryService(store, quotaService, writer, illustrator, service.StoryConfig{
		GenerationTimeout: cfg.GenerationTimeout,
		RefundTimeout:     cfg.RefundTimeout,
	}, logger)

	var billingService billing.Service
	if cfg.StripeSecretKey != "" {
		billingService = billing.NewStripeService(cfg.StripeSecretKey, billing.PriceConfig{
			UnlimitedPriceID: cfg.StripePriceUnlimited,
			CreditPriceID:    cfg.StripePriceCredit,
		}, nil)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; checkout is disabled")
	}
	billingVerifier := billing.NewStripeVerifier(cfg.StripeWebhookSecret, cfg.StripeWebhookTolerance)

	// ==========================================================================
	// Authentication
	// ==========================================================================

	var tokens auth.TokenVerifier
	if cfg.SessionPublicKey != "" {
		jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.SessionPublicKey), cfg.SessionIssuer)
		if err != nil {
			return fmt.Errorf("session token verifier initialization failed: %w", err)
		}
		tokens = jwtVerifier
	} else {
		logger.Warn("SESSION_PUBLIC_KEY not set; principal sessions are disabled")
	}

	var identityVerifier *auth.ProfileEventVerifier
	if cfg.IdentityWebhookSecret != "" {
		identityVerifier, err = auth.NewProfileEventVerifier(cfg.IdentityWebhookSecret)
		if err != nil {
			return fmt.Errorf("identity webhook verifier initialization failed: %w", err)
		}
	}

	adminAuthorizer := auth.NewAdminAuthorizer(cfg.AdminTokenHashes)
	if !adminAuthorizer.Enabled() {
		logger.Warn("ADMIN_TOKEN_HASHES not set; admin routes are unreachable")
	}

	// ==========================================================================
	// Middleware
	// ==========================================================================

	isSecure := !cfg.IsDevelopment()
	authMw := middleware.NewAuthMiddleware(tokens, adminAuthorizer, logger)
	securityMw := middleware.NewSecurityHeadersMiddleware(isSecure)
	loggingMw := middleware.NewRequestLoggingMiddleware(logger)
	metricsAuthMw := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword, logger)

	generateLimiter := middleware.NewRateLimiter(cfg.RateLimitGenerate, time.Minute, logger)
	defer generateLimiter.Stop()
	limitGenerate := middleware.NewRateLimitMiddleware(generateLimiter, logger).Limit

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	handler.NewHealthHandler(store, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", metricsAuthMw.Handler(promhttp.Handler()))

	if local, ok := fileStorage.(*storage.LocalStorage); ok {
		mux.Handle("GET /files/", http.StripPrefix("/files/", http.FileServer(http.Dir(local.BasePath()))))
	}

	// Webhooks (public - authenticated by signature)
	handler.NewBillingWebhookHandler(billingVerifier, reconcilerService, logger).RegisterRoutes(mux)
	handler.NewIdentityWebhookHandler(identityVerifier, principalService, logger).RegisterRoutes(mux)

	// Principal routes
	handler.NewStoryHandler(storyService, logger).RegisterRoutes(mux, authMw.RequirePrincipal, limitGenerate)
	handler.NewBillingHandler(billingService, linkerService, principalService, cfg.BaseURL, logger).RegisterRoutes(mux, authMw.RequirePrincipal)
	handler.NewEntitlementHandler(quotaService, principalService, logger).RegisterRoutes(mux, authMw.RequireAuth, limitGenerate)

	// Admin routes
	handler.NewAdminHandler(principalService, storyService, logger).RegisterRoutes(mux, authMw.RequireAdmin)

	root := middleware.Stack(
		securityMw.Handler,
		authMw.WithIdentity,
		loggingMw.Handler,
		metrics.Middleware,
	)(mux)

	// ==========================================================================
	// Background janitor
	// ==========================================================================

	if cfg.JanitorEnabled {
		janitorConfig := worker.DefaultConfig()
		janitorConfig.Interval = cfg.JanitorInterval
		janitorConfig.Retention = cfg.BillingEventRetention

		janitor, err := worker.New(store, janitorConfig, logger)
		if err != nil {
			return fmt.Errorf("janitor initialization failed: %w", err)
		}
		janitor.Start(ctx)
		defer janitor.Stop()
	}

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		// Generation holds a request open for up to GENERATION_TIMEOUT
		WriteTimeout: cfg.GenerationTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// openStore returns the Postgres store, or the in-memory store when no
// DATABASE_URL is configured in development.
func openStore(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (repository.Store, error) {
	if cfg.DatabaseUrl == "" {
		logger.Warn("DATABASE_URL not set; using the in-memory ledger (data is lost on restart)")
		return repository.NewMemoryStore(), nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	// Run migrations
	if err := internal.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database ready")

	return repository.NewPostgresStore(db), nil
}

func newStoryWriter(cfg *internal.Config, logger *slog.Logger) (ai.StoryWriter, error) {
	if cfg.AIProvider != "anthropic" {
		logger.Warn("Using mock story writer")
		return mock.New(logger), nil
	}
	return anthropic.New(anthropic.Config{
		APIKey: cfg.AnthropicAPIKey,
		Model:  cfg.AnthropicModel,
		ProviderConfig: ai.ProviderConfig{
			MaxRetries:     cfg.AIMaxRetries,
			RetryBaseDelay: cfg.AIRetryBaseDelay,
			RequestTimeout: cfg.AIRequestTimeout,
		},
	}, logger)
}

func newStorage(cfg *internal.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.StorageProvider == "r2" {
		return storage.NewR2Storage(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		}, logger)
	}
	return storage.NewLocalStorage(storage.LocalConfig{
		BasePath: cfg.LocalStoragePath,
		BaseURL:  cfg.LocalStorageURL,
	}, logger)
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
