package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	pkgauth "github.com/BradenHooton/bastion/pkg/auth"
)

// CredentialVerifier is the external authentication collaborator. It returns
// models.ErrInvalidCredential for a wrong username or password; any other
// error is an outage of the verifier itself.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (*models.Principal, error)
}

// StaticCredential is one operator account for StaticVerifier
type StaticCredential struct {
	UserID       string
	Username     string
	PasswordHash string // bcrypt
	Role         string
}

// StaticVerifier checks credentials against a fixed set of bcrypt hashes
type StaticVerifier struct {
	users map[string]StaticCredential
	// dummyHash is compared when the user is unknown so both paths cost one bcrypt
	dummyHash string
}

// NewStaticVerifier creates a verifier for the given accounts
func NewStaticVerifier(creds ...StaticCredential) *StaticVerifier {
	users := make(map[string]StaticCredential, len(creds))
	dummy := ""
	for _, c := range creds {
		users[strings.ToLower(c.Username)] = c
		if dummy == "" {
			dummy = c.PasswordHash
		}
	}
	return &StaticVerifier{users: users, dummyHash: dummy}
}

// Verify implements CredentialVerifier
func (v *StaticVerifier) Verify(ctx context.Context, username, password string) (*models.Principal, error) {
	cred, ok := v.users[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		if v.dummyHash != "" {
			_ = pkgauth.ComparePassword(v.dummyHash, password)
		}
		return nil, models.ErrInvalidCredential
	}

	if !pkgauth.ComparePassword(cred.PasswordHash, password) {
		return nil, models.ErrInvalidCredential
	}

	return &models.Principal{UserID: cred.UserID, Username: cred.Username, Role: cred.Role}, nil
}

// CSRFRevoker is the slice of the anti-forgery store used on logout
type CSRFRevoker interface {
	RevokeAllForUser(userID string) int
}

// LoginResponse is returned after a successful login
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
	Role        string    `json:"role"`
}

// AuthService wraps credential verification with the login attempt guard.
// Locked usernames are rejected before the verifier runs.
type AuthService struct {
	verifier CredentialVerifier
	guard    *LoginGuardService
	tm       *auth.TokenManager
	csrf     CSRFRevoker
	timing   *auth.TimingDelay
	audit    AuditRecorder
	logger   *slog.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(verifier CredentialVerifier, guard *LoginGuardService, tm *auth.TokenManager, csrf CSRFRevoker, timing *auth.TimingDelay, audit AuditRecorder, logger *slog.Logger) *AuthService {
	return &AuthService{
		verifier: verifier,
		guard:    guard,
		tm:       tm,
		csrf:     csrf,
		timing:   timing,
		audit:    audit,
		logger:   logger,
	}
}

// Login verifies credentials for username. It returns a *models.RetryError
// wrapping models.ErrAccountLocked while the username is locked, and
// models.ErrInvalidCredential for a failed attempt.
func (s *AuthService) Login(ctx context.Context, username, password, address string) (*LoginResponse, error) {
	start := time.Now()
	identity := LoginIdentityForUser(username)

	if retry := s.guard.LockedFor(identity); retry > 0 {
		s.guard.RecordLockedAttempt(ctx, identity, username, retry)
		return nil, &models.RetryError{Err: models.ErrAccountLocked, RetryAfter: retry}
	}

	principal, err := s.verifier.Verify(ctx, username, password)
	if err != nil {
		if !errors.Is(err, models.ErrInvalidCredential) {
			s.logger.ErrorContext(ctx, "credential verifier failed", slog.Any("error", err))
			return nil, fmt.Errorf("verify credentials: %w", models.ErrInternalServer)
		}

		locked := s.guard.RecordFailure(ctx, identity)
		s.audit.Record(ctx, models.AuditEvent{
			Category: models.AuditCategoryAuth,
			Action:   models.AuditActionLoginFailed,
			UserID:   username,
			Address:  address,
			Success:  false,
			Severity: models.SeverityLow,
			Details: map[string]string{
				"locked": fmt.Sprintf("%t", locked),
			},
		})
		s.timing.WaitFrom(ctx, start, false)
		return nil, models.ErrInvalidCredential
	}

	token, expiresAt, err := s.tm.GenerateAccessToken(principal)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to issue session token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.audit.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryAuth,
		Action:   models.AuditActionLoginSucceeded,
		UserID:   principal.UserID,
		Address:  address,
		Success:  true,
		Severity: models.SeverityLow,
	})

	return &LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		UserID:      principal.UserID,
		Role:        principal.Role,
	}, nil
}

// Logout revokes the session token and every anti-forgery token of the caller
func (s *AuthService) Logout(ctx context.Context, claims *models.TokenClaims) int {
	s.tm.RevokeToken(claims)
	revoked := s.csrf.RevokeAllForUser(claims.UserID)

	s.audit.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryCSRF,
		Action:   models.AuditActionCSRFRevokedAll,
		UserID:   claims.UserID,
		Success:  true,
		Severity: models.SeverityLow,
		Details: map[string]string{
			"revoked": fmt.Sprintf("%d", revoked),
		},
	})

	return revoked
}
