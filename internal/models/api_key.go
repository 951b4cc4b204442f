package models

import (
	"time"
)

// APIKey is the public view of a service credential. The plaintext key is
// never stored; KeyHash is the SHA-256 of it.
type APIKey struct {
	ID              string     `json:"id"`
	KeyHash         string     `json:"-"` // Never exposed
	KeyPrefix       string     `json:"key_prefix"`
	ServiceName     string     `json:"service_name"`
	Description     string     `json:"description"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	IsActive        bool       `json:"is_active"`
	RequestCount    int64      `json:"request_count"`
	RotatedTo       *string    `json:"rotated_to,omitempty"`
	DeprecationDate *time.Time `json:"deprecation_date,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// GeneratedAPIKey is returned once when a key is issued or rotated (includes plaintext)
type GeneratedAPIKey struct {
	PlainKey string  `json:"key"` // Shown ONLY once at creation
	APIKey   *APIKey `json:"api_key"`
}

// APIKeyState is the lifecycle position of a key at a given instant
type APIKeyState string

const (
	APIKeyStateActive  APIKeyState = "active"
	APIKeyStateRotated APIKeyState = "rotated"
	APIKeyStateExpired APIKeyState = "expired"
	APIKeyStateRevoked APIKeyState = "revoked"
)

// IsValidAt reports whether the key may authenticate a call at now
func (k *APIKey) IsValidAt(now time.Time) bool {
	return k.StateAt(now) == APIKeyStateActive || k.StateAt(now) == APIKeyStateRotated
}

// StateAt derives the lifecycle state at now. Revocation wins over every
// other state, and a rotated key expires at whichever comes first of its
// deprecation date and its own expiry.
func (k *APIKey) StateAt(now time.Time) APIKeyState {
	if !k.IsActive {
		return APIKeyStateRevoked
	}
	if !now.Before(k.ExpiresAt) {
		return APIKeyStateExpired
	}
	if k.RotatedTo != nil {
		if k.DeprecationDate == nil || !now.Before(*k.DeprecationDate) {
			return APIKeyStateExpired
		}
		return APIKeyStateRotated
	}
	return APIKeyStateActive
}

// InvalidSince returns when the key stopped being valid, or nil if it still is at now
func (k *APIKey) InvalidSince(now time.Time) *time.Time {
	switch k.StateAt(now) {
	case APIKeyStateRevoked:
		if k.RevokedAt != nil {
			return k.RevokedAt
		}
		return &k.CreatedAt
	case APIKeyStateExpired:
		end := k.ExpiresAt
		if k.DeprecationDate != nil && k.DeprecationDate.Before(end) {
			end = *k.DeprecationDate
		}
		return &end
	}
	return nil
}
