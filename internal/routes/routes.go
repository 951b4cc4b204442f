package routes

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
)

// Dependencies are the components the routes are wired to
type Dependencies struct {
	Limiter      services.RateLimiter
	LoginGuard   middleware.LoginGuard
	Tokens       auth.TokenValidator
	APIKeys      auth.APIKeyValidator
	CSRF         middleware.CSRFConsumer
	Audit        services.AuditRecorder
	IPConfig     *pkghttp.IPConfig
	ExportGuard  middleware.ExportGuardConfig
	AuthHandler  *handlers.AuthHandler
	KeyHandler   *handlers.APIKeyHandler
	CSRFHandler  *handlers.CSRFHandler
	AuditHandler *handlers.AuditHandler
	Service      *handlers.ServiceHandler
	Health       *handlers.HealthHandler
	Metrics      http.Handler
	Logger       *slog.Logger
}

// RegisterRoutes registers all application routes. Every route except the
// ops endpoints passes the admission limiter for its endpoint class first.
func RegisterRoutes(router chi.Router, deps Dependencies) {
	// Ops routes stay reachable while a client is blocked
	router.Get("/health", deps.Health.Health)
	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Credential endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.Admission(deps.Limiter, models.EndpointClassAuth, deps.IPConfig))

		r.With(middleware.LoginAttemptGuard(deps.LoginGuard, deps.IPConfig)).Post("/auth/login", deps.AuthHandler.Login)

		r.With(auth.AuthMiddleware(deps.Tokens)).Post("/auth/logout", deps.AuthHandler.Logout)
	})

	// Service-to-service endpoints
	router.Group(func(r chi.Router) {
		r.Use(middleware.Admission(deps.Limiter, models.EndpointClassGeneral, deps.IPConfig))
		r.Use(auth.APIKeyMiddleware(deps.APIKeys))

		r.Get("/service/ping", deps.Service.Ping)
	})

	// Anti-forgery tokens for any authenticated user
	router.Group(func(r chi.Router) {
		r.Use(middleware.Admission(deps.Limiter, models.EndpointClassGeneral, deps.IPConfig))
		r.Use(auth.AuthMiddleware(deps.Tokens))

		r.Post("/csrf/token", deps.CSRFHandler.IssueToken)
		r.Post("/csrf/validate", deps.CSRFHandler.ValidateToken)
	})

	// Admin-only routes
	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Admission(deps.Limiter, models.EndpointClassAdmin, deps.IPConfig))
		r.Use(auth.AuthMiddleware(deps.Tokens))
		r.Use(auth.RequireRole(models.RoleAdmin))
		r.Use(middleware.CSRFProtection(deps.CSRF, deps.Audit, deps.Logger))

		r.Route("/api-keys", func(r chi.Router) {
			r.Post("/", deps.KeyHandler.CreateAPIKey)
			r.Get("/", deps.KeyHandler.ListAPIKeys)
			r.Get("/rotation-warnings", deps.KeyHandler.RotationWarnings)
			r.Post("/{id}/rotate", deps.KeyHandler.RotateAPIKey)
			r.Delete("/{id}", deps.KeyHandler.RevokeAPIKey)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", deps.AuditHandler.QueryEvents)
			r.Get("/alerts", deps.AuditHandler.RecentAlerts)
			r.Get("/stats", deps.AuditHandler.Stats)
			r.With(middleware.ExportGuard(deps.ExportGuard)).Get("/export", deps.AuditHandler.Export)
		})
	})
}
