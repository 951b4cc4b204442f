package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	"github.com/go-chi/chi/v5"
)

// APIKeyRegistry defines the credential registry operations exposed to admins
type APIKeyRegistry interface {
	Generate(ctx context.Context, serviceName, description, actor string) (*models.GeneratedAPIKey, error)
	Rotate(ctx context.Context, id, actor string) (*models.GeneratedAPIKey, error)
	Revoke(ctx context.Context, id, actor string) error
	List(ctx context.Context) []models.APIKey
	KeysNeedingRotation(ctx context.Context) []models.APIKey
}

// APIKeyHandler handles API key HTTP requests
type APIKeyHandler struct {
	registry APIKeyRegistry
	clock    clock.Clock
}

// NewAPIKeyHandler creates a new APIKeyHandler
func NewAPIKeyHandler(registry APIKeyRegistry, clk clock.Clock) *APIKeyHandler {
	return &APIKeyHandler{
		registry: registry,
		clock:    clock.OrReal(clk),
	}
}

// Request DTOs

// CreateAPIKeyRequest represents the request to create an API key
type CreateAPIKeyRequest struct {
	ServiceName string `json:"service_name" validate:"required,service_name"`
	Description string `json:"description" validate:"max=255"`
}

// APIKeyDTO is the response DTO for API keys (never includes plaintext or hash)
type APIKeyDTO struct {
	ID              string             `json:"id"`
	KeyPrefix       string             `json:"key_prefix"`
	ServiceName     string             `json:"service_name"`
	Description     string             `json:"description,omitempty"`
	State           models.APIKeyState `json:"state"`
	CreatedAt       time.Time          `json:"created_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
	LastUsedAt      *time.Time         `json:"last_used_at,omitempty"`
	RequestCount    int64              `json:"request_count"`
	RotatedTo       *string            `json:"rotated_to,omitempty"`
	DeprecationDate *time.Time         `json:"deprecation_date,omitempty"`
	RevokedAt       *time.Time         `json:"revoked_at,omitempty"`
}

// GeneratedAPIKeyResponse carries the plaintext key, shown once
type GeneratedAPIKeyResponse struct {
	Key     string    `json:"key"`
	Message string    `json:"message"`
	APIKey  APIKeyDTO `json:"api_key"`
}

// ListAPIKeysResponse represents the response for listing API keys
type ListAPIKeysResponse struct {
	Keys  []APIKeyDTO `json:"keys"`
	Total int         `json:"total"`
}

// Handlers

// CreateAPIKey POST /admin/api-keys
func (h *APIKeyHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	generated, err := h.registry.Generate(r.Context(), req.ServiceName, req.Description, claims.UserID)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, GeneratedAPIKeyResponse{
		Key:     generated.PlainKey,
		Message: "Save this API key - it will not be shown again",
		APIKey:  h.toAPIKeyDTO(generated.APIKey),
	})
}

// ListAPIKeys GET /admin/api-keys
func (h *APIKeyHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	h.writeKeyList(w, h.registry.List(r.Context()))
}

// RotationWarnings GET /admin/api-keys/rotation-warnings
func (h *APIKeyHandler) RotationWarnings(w http.ResponseWriter, r *http.Request) {
	h.writeKeyList(w, h.registry.KeysNeedingRotation(r.Context()))
}

// RotateAPIKey POST /admin/api-keys/{id}/rotate
func (h *APIKeyHandler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	successor, err := h.registry.Rotate(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusCreated, GeneratedAPIKeyResponse{
		Key:     successor.PlainKey,
		Message: "Save this API key - it will not be shown again. The previous key keeps working until its deprecation date.",
		APIKey:  h.toAPIKeyDTO(successor.APIKey),
	})
}

// RevokeAPIKey DELETE /admin/api-keys/{id}
func (h *APIKeyHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	if err := h.registry.Revoke(r.Context(), chi.URLParam(r, "id"), claims.UserID); err != nil {
		h.writeRegistryError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *APIKeyHandler) writeKeyList(w http.ResponseWriter, keys []models.APIKey) {
	dtos := make([]APIKeyDTO, len(keys))
	for i := range keys {
		dtos[i] = h.toAPIKeyDTO(&keys[i])
	}
	pkghttp.WriteJSON(w, http.StatusOK, ListAPIKeysResponse{Keys: dtos, Total: len(dtos)})
}

func (h *APIKeyHandler) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "api key not found")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "invalid request")
	case errors.Is(err, models.ErrKeyAlreadyRotated):
		pkghttp.WriteConflict(w, "api key already rotated")
	case errors.Is(err, models.ErrKeyRevoked), errors.Is(err, models.ErrInvalidCredential):
		pkghttp.WriteConflict(w, "api key is no longer active")
	default:
		pkghttp.WriteInternalError(w, "api key operation failed")
	}
}

// toAPIKeyDTO converts an API key model to a response DTO
func (h *APIKeyHandler) toAPIKeyDTO(key *models.APIKey) APIKeyDTO {
	return APIKeyDTO{
		ID:              key.ID,
		KeyPrefix:       key.KeyPrefix,
		ServiceName:     key.ServiceName,
		Description:     key.Description,
		State:           key.StateAt(h.clock.Now()),
		CreatedAt:       key.CreatedAt,
		ExpiresAt:       key.ExpiresAt,
		LastUsedAt:      key.LastUsedAt,
		RequestCount:    key.RequestCount,
		RotatedTo:       key.RotatedTo,
		DeprecationDate: key.DeprecationDate,
		RevokedAt:       key.RevokedAt,
	}
}
