package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// CSRFTokenStore issues and checks anti-forgery tokens
type CSRFTokenStore interface {
	GenerateToken(userID string) (*models.CSRFToken, error)
	ValidateToken(token, userID string) bool
}

// CSRFHandler handles anti-forgery token HTTP requests
type CSRFHandler struct {
	tokens       CSRFTokenStore
	cookieConfig auth.CookieConfig
}

// NewCSRFHandler creates a new CSRFHandler
func NewCSRFHandler(tokens CSRFTokenStore, cookieConfig auth.CookieConfig) *CSRFHandler {
	return &CSRFHandler{tokens: tokens, cookieConfig: cookieConfig}
}

// ValidateCSRFRequest represents the request body for token validation
type ValidateCSRFRequest struct {
	Token string `json:"token" validate:"required"`
}

// CSRFTokenResponse is returned when a token is issued
type CSRFTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken POST /csrf/token
func (h *CSRFHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	token, err := h.tokens.GenerateToken(claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "failed to issue csrf token")
		return
	}

	auth.SetCSRFTokenCookie(w, token.Token, token.ExpiresAt, h.cookieConfig)
	pkghttp.WriteJSON(w, http.StatusCreated, CSRFTokenResponse{
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	})
}

// ValidateToken POST /csrf/validate
// Checks a token without consuming it.
func (h *CSRFHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ValidateCSRFRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{
		"valid": h.tokens.ValidateToken(req.Token, claims.UserID),
	})
}
