package models

import "time"

// CSRFToken is a one-time anti-forgery token bound to a user
type CSRFToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"-"`
}

// IsValidAt reports whether the token is unused and unexpired at now
func (t *CSRFToken) IsValidAt(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}
