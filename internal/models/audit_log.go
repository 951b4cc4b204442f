package models

import (
	"fmt"
	"strings"
	"time"
)

// AuditCategory groups security events by the component that produced them
type AuditCategory string

const (
	AuditCategoryRateLimit  AuditCategory = "rate_limit"
	AuditCategoryBruteForce AuditCategory = "brute_force"
	AuditCategoryAuth       AuditCategory = "authentication"
	AuditCategoryAPIKey     AuditCategory = "api_key"
	AuditCategoryCSRF       AuditCategory = "csrf"
	AuditCategorySystem     AuditCategory = "system"
)

// AllAuditCategories is the whitelist used when parsing query filters
var AllAuditCategories = map[AuditCategory]bool{
	AuditCategoryRateLimit:  true,
	AuditCategoryBruteForce: true,
	AuditCategoryAuth:       true,
	AuditCategoryAPIKey:     true,
	AuditCategoryCSRF:       true,
	AuditCategorySystem:     true,
}

// Severity orders audit events. Higher values are more severe.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText encodes the severity by name
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity converts a severity name to a Severity
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("unknown severity %q: %w", name, ErrBadRequest)
}

// Actions recorded by the admission components
const (
	AuditActionRateLimitExceeded = "rate_limit_exceeded"
	AuditActionLimiterError      = "rate_limiter_internal_error"
	AuditActionBruteForce        = "brute_force_attempt"
	AuditActionLoginRejected     = "login_rejected_locked"
	AuditActionLoginFailed       = "login_failed"
	AuditActionLoginSucceeded    = "login_succeeded"
	AuditActionKeyGenerated      = "api_key_generated"
	AuditActionKeyRotated        = "api_key_rotated"
	AuditActionKeyRevoked        = "api_key_revoked"
	AuditActionKeyRejected       = "api_key_rejected"
	AuditActionCSRFRejected      = "csrf_token_rejected"
	AuditActionCSRFRevokedAll    = "csrf_tokens_revoked"
)

// AuditEvent is a single immutable security event
type AuditEvent struct {
	ID        string            `json:"id"`
	Seq       uint64            `json:"-"`
	Timestamp time.Time         `json:"timestamp"`
	Category  AuditCategory     `json:"category"`
	Action    string            `json:"action"`
	UserID    string            `json:"user_id,omitempty"`
	Address   string            `json:"address,omitempty"`
	Success   bool              `json:"success"`
	Severity  Severity          `json:"severity"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	Category    AuditCategory
	UserID      string
	Since       time.Time
	Until       time.Time
	MinSeverity Severity
	Limit       int
}

// Matches reports whether e satisfies the filter (Limit is ignored)
func (f AuditFilter) Matches(e *AuditEvent) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return e.Severity >= f.MinSeverity
}
