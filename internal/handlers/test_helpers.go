package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAuthContext adds user claims to request context for testing authenticated endpoints
func WithAuthContext(req *http.Request, userID string) *http.Request {
	return auth.WithUser(req, &models.TokenClaims{
		UserID:   userID,
		Username: userID,
		Type:     "access",
	})
}

// WithAdminContext adds admin user claims to request context
func WithAdminContext(req *http.Request, userID string) *http.Request {
	return auth.WithUser(req, &models.TokenClaims{
		UserID:   userID,
		Username: userID,
		Role:     models.RoleAdmin,
		Type:     "access",
	})
}

// WithAPIKeyContext adds an authenticated API key to request context
func WithAPIKeyContext(req *http.Request, key *models.APIKey) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), auth.APIKeyContextKey, key))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc  func(ctx context.Context, username, password, address string) (*services.LoginResponse, error)
	LogoutFunc func(ctx context.Context, claims *models.TokenClaims) int
}

func (m *MockAuthService) Login(ctx context.Context, username, password, address string) (*services.LoginResponse, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrInvalidCredential
	}
	return m.LoginFunc(ctx, username, password, address)
}

func (m *MockAuthService) Logout(ctx context.Context, claims *models.TokenClaims) int {
	if m.LogoutFunc == nil {
		return 0
	}
	return m.LogoutFunc(ctx, claims)
}

// MockAPIKeyRegistry implements APIKeyRegistry for testing
type MockAPIKeyRegistry struct {
	GenerateFunc            func(ctx context.Context, serviceName, description, actor string) (*models.GeneratedAPIKey, error)
	RotateFunc              func(ctx context.Context, id, actor string) (*models.GeneratedAPIKey, error)
	RevokeFunc              func(ctx context.Context, id, actor string) error
	ListFunc                func(ctx context.Context) []models.APIKey
	KeysNeedingRotationFunc func(ctx context.Context) []models.APIKey
}

func (m *MockAPIKeyRegistry) Generate(ctx context.Context, serviceName, description, actor string) (*models.GeneratedAPIKey, error) {
	if m.GenerateFunc == nil {
		return nil, models.ErrInternalServer
	}
	return m.GenerateFunc(ctx, serviceName, description, actor)
}

func (m *MockAPIKeyRegistry) Rotate(ctx context.Context, id, actor string) (*models.GeneratedAPIKey, error) {
	if m.RotateFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.RotateFunc(ctx, id, actor)
}

func (m *MockAPIKeyRegistry) Revoke(ctx context.Context, id, actor string) error {
	if m.RevokeFunc == nil {
		return models.ErrNotFound
	}
	return m.RevokeFunc(ctx, id, actor)
}

func (m *MockAPIKeyRegistry) List(ctx context.Context) []models.APIKey {
	if m.ListFunc == nil {
		return nil
	}
	return m.ListFunc(ctx)
}

func (m *MockAPIKeyRegistry) KeysNeedingRotation(ctx context.Context) []models.APIKey {
	if m.KeysNeedingRotationFunc == nil {
		return nil
	}
	return m.KeysNeedingRotationFunc(ctx)
}

// MockAuditReader implements AuditReader for testing
type MockAuditReader struct {
	QueryFunc        func(ctx context.Context, filter models.AuditFilter) []models.AuditEvent
	RecentAlertsFunc func(ctx context.Context, hours int) []models.AuditEvent
	ExportFunc       func(ctx context.Context, from, to time.Time, format services.ExportFormat) ([]byte, error)
	StatsFunc        func() services.AuditStats
}

func (m *MockAuditReader) Query(ctx context.Context, filter models.AuditFilter) []models.AuditEvent {
	if m.QueryFunc == nil {
		return []models.AuditEvent{}
	}
	return m.QueryFunc(ctx, filter)
}

func (m *MockAuditReader) RecentAlerts(ctx context.Context, hours int) []models.AuditEvent {
	if m.RecentAlertsFunc == nil {
		return []models.AuditEvent{}
	}
	return m.RecentAlertsFunc(ctx, hours)
}

func (m *MockAuditReader) Export(ctx context.Context, from, to time.Time, format services.ExportFormat) ([]byte, error) {
	if m.ExportFunc == nil {
		return []byte("[]"), nil
	}
	return m.ExportFunc(ctx, from, to, format)
}

func (m *MockAuditReader) Stats() services.AuditStats {
	if m.StatsFunc == nil {
		return services.AuditStats{}
	}
	return m.StatsFunc()
}

// MockAuditArchiveReader implements AuditArchiveReader for testing
type MockAuditArchiveReader struct {
	ListFunc func(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
}

func (m *MockAuditArchiveReader) List(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	if m.ListFunc == nil {
		return []models.AuditEvent{}, nil
	}
	return m.ListFunc(ctx, filter)
}

// WithChiRouteContext adds chi URL parameters to request context for testing
// This helper allows tests to set URL parameters that would normally be extracted
// by the Chi router from the URL path.
//
// Example usage:
//
//	req := httptest.NewRequest("POST", "/admin/api-keys/k1/rotate", nil)
//	req = WithChiRouteContext(req, map[string]string{
//	    "id": "k1",
//	})
func WithChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
