package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess = "access"
	tokenIssuer     = "bastion"
)

// TokenManager handles JWT session token generation, validation and logout revocation
type TokenManager struct {
	secret            []byte
	accessTokenExpiry time.Duration
	clock             clock.Clock

	// revoked maps a logged-out token's JTI to its expiry so the entry can be swept
	revoked sync.Map
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(secret string, accessExpiry time.Duration, clk clock.Clock) *TokenManager {
	return &TokenManager{
		secret:            []byte(secret),
		accessTokenExpiry: accessExpiry,
		clock:             clock.OrReal(clk),
	}
}

// GenerateAccessToken creates a short-lived access token with JTI
func (tm *TokenManager) GenerateAccessToken(principal *models.Principal) (string, time.Time, error) {
	now := tm.clock.Now()
	expiresAt := now.Add(tm.accessTokenExpiry)

	claims := &models.TokenClaims{
		Type:     tokenTypeAccess,
		UserID:   principal.UserID,
		Username: principal.Username,
		Role:     principal.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   principal.UserID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken verifies a token and returns its claims
func (tm *TokenManager) ValidateToken(tokenString string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Verify signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(tm.clock.Now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w: %w", models.ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, models.ErrInvalidToken
	}

	if claims.Type != tokenTypeAccess {
		return nil, fmt.Errorf("invalid token type %q: %w", claims.Type, models.ErrInvalidToken)
	}

	if tm.IsTokenRevoked(claims.ID) {
		return nil, fmt.Errorf("token revoked: %w", models.ErrInvalidToken)
	}

	return claims, nil
}

// RevokeToken denies a token until it would have expired anyway
func (tm *TokenManager) RevokeToken(claims *models.TokenClaims) {
	if claims == nil || claims.ID == "" {
		return
	}
	expiry := tm.clock.Now().Add(tm.accessTokenExpiry)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	tm.revoked.Store(claims.ID, expiry)
}

// IsTokenRevoked reports whether jti was logged out
func (tm *TokenManager) IsTokenRevoked(jti string) bool {
	_, ok := tm.revoked.Load(jti)
	return ok
}

// Name identifies the revocation list to the cleanup manager
func (tm *TokenManager) Name() string {
	return "token_revocations"
}

// Sweep forgets revocations for tokens that have expired
func (tm *TokenManager) Sweep(ctx context.Context) (int, error) {
	now := tm.clock.Now()
	removed := 0
	tm.revoked.Range(func(key, value any) bool {
		if ctx.Err() != nil {
			return false
		}
		if !now.Before(value.(time.Time)) {
			tm.revoked.Delete(key)
			removed++
		}
		return true
	})
	return removed, ctx.Err()
}
