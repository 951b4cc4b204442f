package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/handlers"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/stretchr/testify/assert"
)

func TestLogin_Success(t *testing.T) {
	var gotAddress string
	mockAuth := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, username, password, address string) (*services.LoginResponse, error) {
			gotAddress = address
			return &services.LoginResponse{
				AccessToken: "access_token_123",
				TokenType:   "Bearer",
				UserID:      username,
			}, nil
		},
	}

	handler := handlers.NewAuthHandler(mockAuth, nil, auth.CookieConfig{})
	req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
		Username: "  admin ",
		Password: "password123",
	})
	req.RemoteAddr = "198.51.100.4:5555"

	w := httptest.NewRecorder()
	handler.Login(w, req)

	var resp services.LoginResponse
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, "access_token_123", resp.AccessToken)
	assert.Equal(t, "admin", resp.UserID, "username is trimmed")
	assert.Equal(t, "198.51.100.4", gotAddress)
}

func TestLogin_AuthenticationFailed(t *testing.T) {
	mockAuth := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, username, password, address string) (*services.LoginResponse, error) {
			return nil, models.ErrInvalidCredential
		},
	}

	handler := handlers.NewAuthHandler(mockAuth, nil, auth.CookieConfig{})
	req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
		Username: "admin",
		Password: "wrongpassword",
	})

	w := httptest.NewRecorder()
	handler.Login(w, req)

	handlers.AssertErrorResponse(t, w, 401, pkghttp.CodeUnauthorized)
}

func TestLogin_LockedAccount(t *testing.T) {
	mockAuth := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, username, password, address string) (*services.LoginResponse, error) {
			return nil, &models.RetryError{Err: models.ErrAccountLocked, RetryAfter: 49*time.Minute + 500*time.Millisecond}
		},
	}

	handler := handlers.NewAuthHandler(mockAuth, nil, auth.CookieConfig{})
	req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
		Username: "admin",
		Password: "password123",
	})

	w := httptest.NewRecorder()
	handler.Login(w, req)

	resp := handlers.AssertErrorResponse(t, w, http.StatusTooManyRequests, pkghttp.CodeAccountLocked)
	assert.Equal(t, 2941, resp.RetryAfter, "rounded up to whole seconds")
	assert.Equal(t, "2941", w.Header().Get("Retry-After"))
}

func TestLogin_InternalError(t *testing.T) {
	mockAuth := &handlers.MockAuthService{
		LoginFunc: func(ctx context.Context, username, password, address string) (*services.LoginResponse, error) {
			return nil, errors.New("verifier unavailable")
		},
	}

	handler := handlers.NewAuthHandler(mockAuth, nil, auth.CookieConfig{})
	req := handlers.NewTestRequest(t, "POST", "/auth/login", handlers.LoginRequest{
		Username: "admin",
		Password: "password123",
	})

	w := httptest.NewRecorder()
	handler.Login(w, req)

	handlers.AssertErrorResponse(t, w, 500, pkghttp.CodeInternalError)
}

func TestLogin_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"username":`},
		{"missing username", `{"password":"x"}`},
		{"missing password", `{"username":"admin"}`},
		{"oversized username", `{"username":"` + strings.Repeat("a", 256) + `","password":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			mockAuth := &handlers.MockAuthService{
				LoginFunc: func(ctx context.Context, username, password, address string) (*services.LoginResponse, error) {
					called = true
					return nil, nil
				},
			}
			handler := handlers.NewAuthHandler(mockAuth, nil, auth.CookieConfig{})

			req := httptest.NewRequest("POST", "/auth/login", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.Login(w, req)

			handlers.AssertErrorResponse(t, w, 400, pkghttp.CodeBadRequest)
			assert.False(t, called)
		})
	}
}

func TestLogout_RevokesAndClearsCookie(t *testing.T) {
	var loggedOut string
	mockAuth := &handlers.MockAuthService{
		LogoutFunc: func(ctx context.Context, claims *models.TokenClaims) int {
			loggedOut = claims.UserID
			return 3
		},
	}

	handler := handlers.NewAuthHandler(mockAuth, nil, auth.CookieConfig{Secure: true, SameSite: "strict"})
	req := handlers.WithAuthContext(httptest.NewRequest("POST", "/auth/logout", nil), "alice")

	w := httptest.NewRecorder()
	handler.Logout(w, req)

	var resp map[string]interface{}
	handlers.AssertJSONResponse(t, w, 200, &resp)
	assert.Equal(t, "alice", loggedOut)
	assert.EqualValues(t, 3, resp["revoked_csrf_tokens"])

	cookies := w.Result().Cookies()
	if assert.Len(t, cookies, 1) {
		assert.Equal(t, auth.CSRFCookieName, cookies[0].Name)
		assert.True(t, cookies[0].MaxAge < 0)
	}
}

func TestLogout_Unauthenticated(t *testing.T) {
	handler := handlers.NewAuthHandler(&handlers.MockAuthService{}, nil, auth.CookieConfig{})

	w := httptest.NewRecorder()
	handler.Logout(w, httptest.NewRequest("POST", "/auth/logout", nil))

	handlers.AssertErrorResponse(t, w, 401, pkghttp.CodeUnauthorized)
}
