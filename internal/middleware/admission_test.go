package middleware

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
	req.RemoteAddr = ip + ":40000"
	return req
}

func newAdmission(t *testing.T, class models.EndpointClass) (http.Handler, *clock.Mock, *services.RecordingAuditor) {
	t.Helper()
	clk := clock.NewMock(testStart)
	audit := &services.RecordingAuditor{}
	limiter := services.NewRateLimitService(services.DefaultRateLimitConfig(), clk, audit, discardLogger(), nil)
	return Admission(limiter, class, nil)(okHandler()), clk, audit
}

func TestAdmission_SetsHeadersOnAllowedRequest(t *testing.T) {
	handler, _, _ := newAdmission(t, models.EndpointClassGeneral)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("198.51.100.7"))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "59", w.Header().Get(HeaderRateLimitRemaining))
	assert.Equal(t, strconv.FormatInt(testStart.Add(time.Minute).Unix(), 10), w.Header().Get(HeaderRateLimitReset))
}

func TestAdmission_StoresIdentityInContext(t *testing.T) {
	limiter := services.NewRateLimitService(services.DefaultRateLimitConfig(), clock.NewMock(testStart), &services.RecordingAuditor{}, discardLogger(), nil)

	var seen string
	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientIdentityFromContext(r.Context())
	})
	Admission(limiter, models.EndpointClassGeneral, nil)(capture).ServeHTTP(httptest.NewRecorder(), requestFrom("198.51.100.7"))

	assert.Equal(t, "198.51.100.7", seen)
}

func TestAdmission_RejectsOverLimitWithRetryAfter(t *testing.T) {
	handler, clk, audit := newAdmission(t, models.EndpointClassGeneral)

	for i := 0; i < 60; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("203.0.113.5"))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	clk.Advance(10 * time.Second)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.5"))

	blockEnd := testStart.Add(10*time.Second + 15*time.Minute).Unix()

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get(HeaderRateLimitRemaining))
	assert.Equal(t, "900", w.Header().Get("Retry-After"), "header covers the whole block")
	assert.Equal(t, strconv.FormatInt(blockEnd, 10), w.Header().Get(HeaderRateLimitReset))

	var body pkghttp.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, pkghttp.CodeRateLimitExceeded, body.Error)
	assert.Equal(t, 50, body.RetryAfter, "minute window frees a slot after 50s")
	assert.Equal(t, blockEnd, body.BlockedUntil)

	assert.Len(t, audit.ByAction(models.AuditActionRateLimitExceeded), 1)

	// A different client is unaffected
	other := httptest.NewRecorder()
	handler.ServeHTTP(other, requestFrom("203.0.113.6"))
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestAdmission_BlockOutlastsMinuteWindow(t *testing.T) {
	handler, clk, _ := newAdmission(t, models.EndpointClassGeneral)

	for i := 0; i < 61; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), requestFrom("203.0.113.9"))
	}

	clk.Advance(2 * time.Minute)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.9"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	clk.Advance(13 * time.Minute)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.9"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmission_HonouringRetryAfterSucceeds(t *testing.T) {
	handler, clk, _ := newAdmission(t, models.EndpointClassGeneral)

	var w *httptest.ResponseRecorder
	for i := 0; i < 61; i++ {
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("203.0.113.12"))
	}
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	wait, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)

	// Still blocked one second early
	clk.Advance(time.Duration(wait-1) * time.Second)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.12"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	clk.Advance(time.Second)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.12"))
	assert.Equal(t, http.StatusOK, w.Code)
}

type stubLimiter struct {
	decision models.RateLimitDecision
	calls    int
}

func (s *stubLimiter) Check(ctx context.Context, identity string, class models.EndpointClass) models.RateLimitDecision {
	s.calls++
	return s.decision
}

func TestAdmission_FailOpenDecisionPassesThrough(t *testing.T) {
	reset := testStart.Add(time.Minute)
	limiter := &stubLimiter{decision: models.RateLimitDecision{
		Allowed:    true,
		FailedOpen: true,
		Minute:     models.WindowStatus{Limit: 60, Remaining: 60, ResetAt: reset},
		Hour:       models.WindowStatus{Limit: 1000, Remaining: 1000, ResetAt: testStart.Add(time.Hour)},
	}}

	w := httptest.NewRecorder()
	Admission(limiter, models.EndpointClassGeneral, nil)(okHandler()).ServeHTTP(w, requestFrom("192.0.2.1"))

	assert.Equal(t, 1, limiter.calls)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get(HeaderRateLimitRemaining))
}

func TestSecureLogger_CapturesIdentity(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	limiter := &stubLimiter{decision: models.RateLimitDecision{
		Allowed: false,
		Minute:  models.WindowStatus{Limit: 60, ResetAt: testStart},
	}}
	handler := SecureLogger(logger)(Admission(limiter, models.EndpointClassGeneral, nil)(okHandler()))

	req := requestFrom("192.0.2.44")
	req.URL.RawQuery = "token=secret-value"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := logs.String()
	assert.Contains(t, out, `"client":"192.0.2.44"`)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "secret-value")
}

func newLoginGuard(t *testing.T) (*services.LoginGuardService, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(testStart)
	guard := services.NewLoginGuardService(services.DefaultLoginGuardConfig(), clk, &services.RecordingAuditor{}, discardLogger(), nil)
	return guard, clk
}

func TestLoginAttemptGuard_CountsUnauthorizedResponses(t *testing.T) {
	guard, clk := newLoginGuard(t)
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pkghttp.WriteUnauthorized(w, "Invalid credentials")
	})
	handler := LoginAttemptGuard(guard, nil)(failing)

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("203.0.113.20"))
		require.Equal(t, http.StatusUnauthorized, w.Code)
		clk.Advance(time.Minute)
	}

	identity := services.LoginIdentityForAddress("203.0.113.20")
	assert.Equal(t, 10, guard.Failures(identity))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("203.0.113.20"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var body pkghttp.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, pkghttp.CodeAccountLocked, body.Error)
	// oldest failure at +0 ages out at +60m, now is +10m
	assert.Equal(t, 50*60, body.RetryAfter)

	// Locked attempts are not counted as new failures
	assert.Equal(t, 10, guard.Failures(identity))
}

func TestLoginAttemptGuard_SuccessIsNotCounted(t *testing.T) {
	guard, _ := newLoginGuard(t)
	handler := LoginAttemptGuard(guard, nil)(okHandler())

	for i := 0; i < 20; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("203.0.113.21"))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 0, guard.Failures(services.LoginIdentityForAddress("203.0.113.21")))
}

func TestLoginAttemptGuard_IgnoresSpoofedForwardedFor(t *testing.T) {
	guard, _ := newLoginGuard(t)
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pkghttp.WriteUnauthorized(w, "Invalid credentials")
	})
	handler := LoginAttemptGuard(guard, &pkghttp.IPConfig{})(failing)

	for i := 0; i < 10; i++ {
		req := requestFrom("203.0.113.22")
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i))
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.True(t, guard.IsLocked(services.LoginIdentityForAddress("203.0.113.22")))
}
