package middleware

import (
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/httprate"
)

// ExportGuardConfig holds the limit for expensive read endpoints
type ExportGuardConfig struct {
	RequestsPerMinute int
	IPConfig          *pkghttp.IPConfig
}

// DefaultExportGuard returns the default limit for audit exports (5 requests per minute)
func DefaultExportGuard() ExportGuardConfig {
	return ExportGuardConfig{RequestsPerMinute: 5}
}

// ExportGuard limits expensive endpoints (audit export) per client identity,
// on top of the admission limiter. It does not emit its own X-RateLimit-*
// headers so the admission headers stay authoritative.
func ExportGuard(config ExportGuardConfig) func(next http.Handler) http.Handler {
	perMinute := config.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = DefaultExportGuard().RequestsPerMinute
	}

	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return pkghttp.ResolveClientIdentity(r, config.IPConfig), nil
		}),
		httprate.WithResponseHeaders(httprate.ResponseHeaders{}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteRetryable(w, pkghttp.CodeRateLimitExceeded,
				"Export rate limit exceeded", int(time.Minute/time.Second))
		}),
	)
}
