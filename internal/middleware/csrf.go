package middleware

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
)

// CSRFConsumer validates and spends one anti-forgery token
type CSRFConsumer interface {
	ValidateAndConsume(token, userID string) bool
}

// CSRFProtection requires a one-time anti-forgery token on state-changing
// requests. It runs after AuthMiddleware; the token must belong to the
// authenticated user and is consumed on success.
func CSRFProtection(tokens CSRFConsumer, audit services.AuditRecorder, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Only protect state-changing methods
			if !isStateChangingMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			claims := auth.GetUserFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "Authentication required")
				return
			}

			token := auth.CSRFTokenFromRequest(r)
			if token != "" && tokens.ValidateAndConsume(token, claims.UserID) {
				next.ServeHTTP(w, r)
				return
			}

			reason := "invalid"
			if token == "" {
				reason = "missing"
			}

			logger.WarnContext(r.Context(), "CSRF token rejected",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("user_id", claims.UserID),
				slog.String("reason", reason),
			)

			details := map[string]string{
				"reason": reason,
				"method": r.Method,
				"path":   r.URL.Path,
			}
			if token != "" {
				details["token_hash"] = pkglogger.HashForLogging(token)
			}
			audit.Record(r.Context(), models.AuditEvent{
				Category: models.AuditCategoryCSRF,
				Action:   models.AuditActionCSRFRejected,
				UserID:   claims.UserID,
				Address:  ClientIdentityFromContext(r.Context()),
				Success:  false,
				Severity: models.SeverityMedium,
				Details:  details,
			})

			pkghttp.WriteForbidden(w, "CSRF token "+reason)
		})
	}
}

// isStateChangingMethod checks if the HTTP method modifies state
func isStateChangingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}
