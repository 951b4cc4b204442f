package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/background"
	"github.com/BradenHooton/bastion/internal/config"
	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/metrics"
	middlewareCustom "github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/routes"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("rate_limit_backend", cfg.Admission.RateLimitBackend),
		slog.Bool("audit_archive", cfg.Database.Enabled()),
	)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	m := metrics.NewMetrics()

	// Audit sink first: every other component records into it
	auditService := services.NewAuditService(cfg.Admission.AuditCapacity, nil, logger, m)
	auditCtx, auditCancel := context.WithCancel(context.Background())
	auditService.Start(auditCtx)

	// Admission components
	rateLimitConfig := buildRateLimitConfig(&cfg.Admission)
	limiter, limiterSweeper, healthChecks, closeLimiter, err := buildLimiter(cfg, rateLimitConfig, auditService, logger, m)
	if err != nil {
		logger.Error("failed to initialize rate limiter", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeLimiter()

	loginGuard := services.NewLoginGuardService(services.LoginGuardConfig{
		Threshold: cfg.Admission.LoginAttemptThreshold,
		Window:    cfg.Admission.LoginAttemptWindow,
	}, nil, auditService, logger, m)

	apiKeyService := services.NewAPIKeyService(auth.NewAPIKeyManager(""), services.APIKeyConfig{
		Lifetime:        cfg.Admission.APIKeyLifetime,
		RotationGrace:   cfg.Admission.APIKeyRotationGrace,
		RotationWarning: cfg.Admission.APIKeyRotationWarning,
		Retention:       cfg.Admission.APIKeyRetention,
	}, nil, auditService, logger, m)

	csrfManager := auth.NewCSRFTokenManager(cfg.Admission.CSRFTokenTTL, cfg.Admission.CSRFMaxTokensPerUser, nil, m)

	// Session tokens for admins
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry, nil)

	// Timing delay for auth security
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelay:   cfg.Auth.LoginBaseDelay,
		RandomDelay: cfg.Auth.LoginRandomDelay,
	})

	authService := services.NewAuthService(adminVerifier(&cfg.Auth, logger), loginGuard, tokenManager, csrfManager, timingDelay, auditService, logger)

	// Optional durable audit archive
	var (
		archiveReader handlers.AuditArchiveReader
		archiver      *services.AuditArchiveService
	)
	if cfg.Database.Enabled() {
		db, err := database.NewConnection(&cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(appCtx, 30*time.Second)
		err = db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Error("failed to apply migrations", slog.Any("error", err))
			os.Exit(1)
		}

		archiveRepo := repositories.NewAuditArchiveRepository(db)
		archiveReader = archiveRepo
		healthChecks["database"] = db.HealthCheck
		m.RegisterGauge("db_pool_acquired_conns", "Archive pool connections in use.", func() float64 {
			return float64(db.Stats().AcquiredConns())
		})

		archiver = services.NewAuditArchiveService(auditService, archiveRepo, cfg.Archive.Schedule, cfg.Archive.BatchSize, nil, logger, m)
		if err := archiver.Start(appCtx); err != nil {
			logger.Error("failed to start audit archive", slog.Any("error", err))
			os.Exit(1)
		}
	}

	registerGauges(m, limiter, auditService)

	// Cleanup of expired in-memory state
	sweepers := []background.Sweeper{loginGuard, apiKeyService, csrfManager, tokenManager}
	if limiterSweeper != nil {
		sweepers = append(sweepers, limiterSweeper)
	}
	cleanupManager := background.NewCleanupManager(logger, m, cfg.Auth.CleanupInterval, sweepers...)

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	cookieConfig := auth.CookieConfig{Secure: cfg.Server.SecureCookies, SameSite: "strict"}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, routes.Dependencies{
		Limiter:    limiter,
		LoginGuard: loginGuard,
		Tokens:     tokenManager,
		APIKeys:    apiKeyService,
		CSRF:       csrfManager,
		Audit:      auditService,
		IPConfig:   ipConfig,
		ExportGuard: middlewareCustom.ExportGuardConfig{
			RequestsPerMinute: cfg.Admission.ExportPerMinute,
			IPConfig:          ipConfig,
		},
		AuthHandler:  handlers.NewAuthHandler(authService, ipConfig, cookieConfig),
		KeyHandler:   handlers.NewAPIKeyHandler(apiKeyService, nil),
		CSRFHandler:  handlers.NewCSRFHandler(csrfManager, cookieConfig),
		AuditHandler: handlers.NewAuditHandler(auditService, archiveReader, nil),
		Service:      handlers.NewServiceHandler(nil),
		Health:       handlers.NewHealthHandler(healthChecks),
		Metrics:      m.Handler(),
		Logger:       logger,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	go cleanupManager.Start(appCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	cleanupManager.Stop()

	if archiver != nil {
		<-archiver.Stop().Done()
		// Archive whatever arrived since the last scheduled run
		if _, err := archiver.Flush(shutdownCtx); err != nil {
			logger.Error("final audit archive run failed", slog.Any("error", err))
		}
	}

	appCancel()
	auditCancel()
	auditService.Wait()

	logger.Info("server stopped gracefully")
}

// newLogger builds the JSON logger at the configured level, defaulting to info
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// buildRateLimitConfig maps admission settings onto limiter policies.
// A positive AuthPerMinute tightens the credential endpoints only.
func buildRateLimitConfig(cfg *config.AdmissionConfig) services.RateLimitConfig {
	rlc := services.DefaultRateLimitConfig()
	rlc.Default = services.RateLimitPolicy{
		PerMinute:     cfg.RateLimitPerMinute,
		PerHour:       cfg.RateLimitPerHour,
		BlockDuration: cfg.RateLimitBlock,
	}
	rlc.FailOpen = cfg.RateLimitFailOpen

	if cfg.AuthPerMinute > 0 {
		authPolicy := rlc.Default
		authPolicy.PerMinute = cfg.AuthPerMinute
		rlc.Classes = map[models.EndpointClass]services.RateLimitPolicy{
			models.EndpointClassAuth: authPolicy,
		}
	}
	return rlc
}

// buildLimiter selects the in-memory or Redis limiter. The in-memory limiter
// is also returned as a sweeper; Redis expires its own keys.
func buildLimiter(
	cfg *config.Config,
	rlc services.RateLimitConfig,
	audit services.AuditRecorder,
	logger *slog.Logger,
	m *metrics.Metrics,
) (services.RateLimiter, background.Sweeper, map[string]handlers.HealthCheck, func(), error) {
	checks := make(map[string]handlers.HealthCheck)

	if cfg.Admission.RateLimitBackend != config.BackendRedis {
		limiter := services.NewRateLimitService(rlc, nil, audit, logger, m)
		return limiter, limiter, checks, func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	limiter := services.NewRedisRateLimitService(client, cfg.Redis.KeyPrefix, rlc, nil, audit, logger, m)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := limiter.Ping(pingCtx); err != nil {
		// Not fatal: the limiter follows its fail-open policy while Redis is down
		logger.Warn("redis unreachable at startup", slog.Any("error", err))
	}

	checks["redis"] = limiter.Ping
	return limiter, nil, checks, func() { _ = client.Close() }, nil
}

// adminVerifier returns the credential verifier for the built-in admin account
func adminVerifier(cfg *config.AuthConfig, logger *slog.Logger) services.CredentialVerifier {
	if cfg.AdminPasswordHash == "" {
		logger.Warn("ADMIN_PASSWORD_HASH not set, admin login disabled")
		return services.NewStaticVerifier()
	}
	return services.NewStaticVerifier(services.StaticCredential{
		UserID:       cfg.AdminUsername,
		Username:     cfg.AdminUsername,
		PasswordHash: cfg.AdminPasswordHash,
		Role:         models.RoleAdmin,
	})
}

// registerGauges exposes limiter and sink state on /metrics
func registerGauges(m *metrics.Metrics, limiter services.RateLimiter, audit *services.AuditService) {
	if mem, ok := limiter.(*services.RateLimitService); ok {
		m.RegisterGauge("rate_limit_tracked_identities", "Identities with a live limiter window.", func() float64 {
			return float64(mem.Stats().TrackedIdentities)
		})
		m.RegisterGauge("rate_limit_blocked_identities", "Identities currently blocked.", func() float64 {
			return float64(mem.Stats().BlockedIdentities)
		})
	}
	m.RegisterGauge("audit_events_stored", "Audit events held in the in-memory sink.", func() float64 {
		return float64(audit.Stats().Stored)
	})
}
