package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// UserContextKey is the key for storing user claims in context
	UserContextKey contextKey = "user"
	// APIKeyContextKey is the key for storing the authenticated API key in context
	APIKeyContextKey contextKey = "api_key"

	APIKeyHeaderName = "X-API-Key"
)

// TokenValidator verifies session tokens
type TokenValidator interface {
	ValidateToken(tokenString string) (*models.TokenClaims, error)
}

// APIKeyValidator verifies service API keys
type APIKeyValidator interface {
	Validate(ctx context.Context, plainKey string) (*models.APIKey, error)
}

// AuthMiddleware validates bearer tokens and injects user claims into context
func AuthMiddleware(tv TokenValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				pkghttp.WriteUnauthorized(w, "missing authorization header")
				return
			}

			// Parse Bearer token
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				pkghttp.WriteUnauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := tv.ValidateToken(parts[1])
			if err != nil {
				pkghttp.WriteUnauthorized(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects authenticated callers whose token lacks role.
// Must be used after AuthMiddleware.
func RequireRole(role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "unauthorized")
				return
			}

			if claims.Role != role {
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyMiddleware authenticates service callers by the X-API-Key header
func APIKeyMiddleware(validator APIKeyValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plainKey := strings.TrimSpace(r.Header.Get(APIKeyHeaderName))
			if plainKey == "" {
				pkghttp.WriteUnauthorized(w, "missing API key")
				return
			}

			key, err := validator.Validate(r.Context(), plainKey)
			if err != nil {
				pkghttp.WriteUnauthorized(w, "invalid or expired API key")
				return
			}

			// Tell callers still on a rotated key when it stops working
			if key.RotatedTo != nil && key.DeprecationDate != nil {
				w.Header().Set("Deprecation", key.DeprecationDate.UTC().Format(http.TimeFormat))
			}

			ctx := context.WithValue(r.Context(), APIKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(UserContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}

// GetAPIKeyFromContext extracts the authenticated API key from request context
func GetAPIKeyFromContext(r *http.Request) *models.APIKey {
	key, ok := r.Context().Value(APIKeyContextKey).(*models.APIKey)
	if !ok {
		return nil
	}
	return key
}

// WithUser returns a copy of r carrying claims, for handlers tested without the middleware
func WithUser(r *http.Request, claims *models.TokenClaims) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), UserContextKey, claims))
}
