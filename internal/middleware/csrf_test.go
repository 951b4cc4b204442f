package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCSRFFixture(t *testing.T) (http.Handler, *auth.CSRFTokenManager, *clock.Mock, *services.RecordingAuditor) {
	t.Helper()
	clk := clock.NewMock(testStart)
	tokens := auth.NewCSRFTokenManager(60*time.Minute, 10, clk, nil)
	audit := &services.RecordingAuditor{}
	return CSRFProtection(tokens, audit, discardLogger())(okHandler()), tokens, clk, audit
}

func asUser(req *http.Request, userID string) *http.Request {
	return auth.WithUser(req, &models.TokenClaims{Type: "access", UserID: userID, Username: userID})
}

func TestCSRFProtection_SafeMethodsPass(t *testing.T) {
	handler, _, _, _ := newCSRFFixture(t)

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(method, "/admin/keys", nil))
		assert.Equal(t, http.StatusOK, w.Code, method)
	}
}

func TestCSRFProtection_RequiresAuthentication(t *testing.T) {
	handler, _, _, _ := newCSRFFixture(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/keys", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCSRFProtection_MissingToken(t *testing.T) {
	handler, _, _, audit := newCSRFFixture(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, asUser(httptest.NewRequest(http.MethodPost, "/admin/keys", nil), "alice"))

	assert.Equal(t, http.StatusForbidden, w.Code)
	rejected := audit.ByAction(models.AuditActionCSRFRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "missing", rejected[0].Details["reason"])
	assert.Equal(t, "alice", rejected[0].UserID)
}

func TestCSRFProtection_TokenIsSingleUse(t *testing.T) {
	handler, tokens, _, audit := newCSRFFixture(t)

	token, err := tokens.GenerateToken("alice")
	require.NoError(t, err)

	req := asUser(httptest.NewRequest(http.MethodDelete, "/admin/keys/k1", nil), "alice")
	req.Header.Set(auth.CSRFHeaderName, token.Token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	replay := asUser(httptest.NewRequest(http.MethodDelete, "/admin/keys/k1", nil), "alice")
	replay.Header.Set(auth.CSRFHeaderName, token.Token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, replay)
	assert.Equal(t, http.StatusForbidden, w.Code)

	rejected := audit.ByAction(models.AuditActionCSRFRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "invalid", rejected[0].Details["reason"])
	assert.NotEmpty(t, rejected[0].Details["token_hash"])
	assert.NotContains(t, rejected[0].Details["token_hash"], token.Token)
}

func TestCSRFProtection_CookieFallback(t *testing.T) {
	handler, tokens, _, _ := newCSRFFixture(t)

	token, err := tokens.GenerateToken("alice")
	require.NoError(t, err)

	req := asUser(httptest.NewRequest(http.MethodPost, "/admin/keys", nil), "alice")
	req.AddCookie(&http.Cookie{Name: auth.CSRFCookieName, Value: token.Token})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCSRFProtection_TokenBoundToUser(t *testing.T) {
	handler, tokens, _, _ := newCSRFFixture(t)

	token, err := tokens.GenerateToken("alice")
	require.NoError(t, err)

	req := asUser(httptest.NewRequest(http.MethodPost, "/admin/keys", nil), "mallory")
	req.Header.Set(auth.CSRFHeaderName, token.Token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Still usable by its owner
	assert.True(t, tokens.ValidateToken(token.Token, "alice"))
}

func TestCSRFProtection_ExpiredToken(t *testing.T) {
	handler, tokens, clk, _ := newCSRFFixture(t)

	token, err := tokens.GenerateToken("alice")
	require.NoError(t, err)
	clk.Advance(61 * time.Minute)

	req := asUser(httptest.NewRequest(http.MethodPatch, "/admin/keys/k1", nil), "alice")
	req.Header.Set(auth.CSRFHeaderName, token.Token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
