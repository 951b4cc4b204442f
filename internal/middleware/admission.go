package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const (
	clientIdentityKey  contextKey = "client_identity"
	identityCaptureKey contextKey = "client_identity_capture"
)

const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// ClientIdentityFromContext returns the identity resolved by Admission, or ""
func ClientIdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(clientIdentityKey).(string)
	return identity
}

// withIdentityCapture lets an outer middleware see the identity resolved further in
func withIdentityCapture(ctx context.Context, dst *string) context.Context {
	return context.WithValue(ctx, identityCaptureKey, dst)
}

func captureIdentity(ctx context.Context, identity string) {
	if dst, ok := ctx.Value(identityCaptureKey).(*string); ok && *dst == "" {
		*dst = identity
	}
}

// Admission checks every request against limiter before it reaches the handler.
// Rate limit headers are set on every response, including rejections.
func Admission(limiter services.RateLimiter, class models.EndpointClass, ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := pkghttp.ResolveClientIdentity(r, ipConfig)
			decision := limiter.Check(r.Context(), identity, class)
			captureIdentity(r.Context(), identity)

			setRateLimitHeaders(w, decision)

			if !decision.Allowed {
				const msg = "Too many requests, please retry later"
				if decision.BlockedUntil != nil {
					pkghttp.WriteBlocked(w, pkghttp.CodeRateLimitExceeded, msg,
						decision.RetryAfterSeconds(), decision.WaitSeconds(), *decision.BlockedUntil)
					return
				}
				pkghttp.WriteRetryable(w, pkghttp.CodeRateLimitExceeded, msg, decision.RetryAfterSeconds())
				return
			}

			ctx := context.WithValue(r.Context(), clientIdentityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d models.RateLimitDecision) {
	tightest := d.Tightest()
	remaining := tightest.Remaining
	reset := tightest.ResetAt
	if !d.Allowed {
		remaining = 0
	}
	if d.BlockedUntil != nil && d.BlockedUntil.After(reset) {
		reset = *d.BlockedUntil
	}
	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(tightest.Limit))
	w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
	w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(reset.Unix(), 10))
}

// LoginGuard is the slice of the login attempt guard used at the edge
type LoginGuard interface {
	LockedFor(identity string) time.Duration
	RecordFailure(ctx context.Context, identity string) bool
	RecordLockedAttempt(ctx context.Context, identity, username string, retryAfter time.Duration)
}

// LoginAttemptGuard rejects credential attempts from a locked client address
// before the handler runs, and counts every 401 the handler returns as a
// failed attempt for that address.
func LoginAttemptGuard(guard LoginGuard, ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := services.LoginIdentityForAddress(pkghttp.ExtractClientIP(r, ipConfig))

			if retry := guard.LockedFor(identity); retry > 0 {
				guard.RecordLockedAttempt(r.Context(), identity, "", retry)
				pkghttp.WriteRetryable(w, pkghttp.CodeAccountLocked,
					"Too many failed attempts, please retry later", int((retry+time.Second-1)/time.Second))
				return
			}

			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(wrapped, r)

			if wrapped.Status() == http.StatusUnauthorized {
				guard.RecordFailure(r.Context(), identity)
			}
		})
	}
}
