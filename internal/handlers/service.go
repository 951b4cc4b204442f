package handlers

import (
	"net/http"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/models"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// ServiceHandler serves endpoints called by services authenticated with an API key
type ServiceHandler struct {
	clock clock.Clock
}

// NewServiceHandler creates a new ServiceHandler
func NewServiceHandler(clk clock.Clock) *ServiceHandler {
	return &ServiceHandler{clock: clock.OrReal(clk)}
}

// PingResponse tells a service which key it authenticated with
type PingResponse struct {
	ServiceName     string             `json:"service_name"`
	KeyPrefix       string             `json:"key_prefix"`
	State           models.APIKeyState `json:"state"`
	ExpiresAt       time.Time          `json:"expires_at"`
	DeprecationDate *time.Time         `json:"deprecation_date,omitempty"`
}

// Ping GET /service/ping
func (h *ServiceHandler) Ping(w http.ResponseWriter, r *http.Request) {
	key := auth.GetAPIKeyFromContext(r)
	if key == nil {
		pkghttp.WriteUnauthorized(w, "missing API key")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, PingResponse{
		ServiceName:     key.ServiceName,
		KeyPrefix:       key.KeyPrefix,
		State:           key.StateAt(h.clock.Now()),
		ExpiresAt:       key.ExpiresAt,
		DeprecationDate: key.DeprecationDate,
	})
}
