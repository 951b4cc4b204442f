package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
)

const (
	DefaultCSRFTokenTTL       = 60 * time.Minute
	DefaultCSRFMaxTokensPerID = 10
	csrfTokenBytes            = 32
)

// csrfBucket holds one user's live tokens ordered oldest first
type csrfBucket struct {
	mu      sync.Mutex
	tokens  []*models.CSRFToken
	removed bool
}

// prune drops used and expired tokens. Callers hold b.mu.
func (b *csrfBucket) prune(now time.Time) {
	live := b.tokens[:0]
	for _, t := range b.tokens {
		if t.IsValidAt(now) {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(b.tokens); i++ {
		b.tokens[i] = nil
	}
	b.tokens = live
}

// find returns the index of a live token equal to token, or -1. Callers hold b.mu.
func (b *csrfBucket) find(token string, now time.Time) int {
	found := -1
	for i, t := range b.tokens {
		if subtle.ConstantTimeCompare([]byte(t.Token), []byte(token)) == 1 && t.IsValidAt(now) {
			found = i
		}
	}
	return found
}

// CSRFTokenManager issues short-lived, one-time anti-forgery tokens per user.
// Each user's tokens sit behind their own lock so unrelated users never contend.
type CSRFTokenManager struct {
	buckets    sync.Map // userID -> *csrfBucket
	tokenTTL   time.Duration
	maxPerUser int
	clock      clock.Clock
	metrics    *metrics.Metrics
}

// NewCSRFTokenManager creates a new CSRF token manager
func NewCSRFTokenManager(tokenTTL time.Duration, maxPerUser int, clk clock.Clock, m *metrics.Metrics) *CSRFTokenManager {
	if tokenTTL <= 0 {
		tokenTTL = DefaultCSRFTokenTTL
	}
	if maxPerUser <= 0 {
		maxPerUser = DefaultCSRFMaxTokensPerID
	}
	return &CSRFTokenManager{
		tokenTTL:   tokenTTL,
		maxPerUser: maxPerUser,
		clock:      clock.OrReal(clk),
		metrics:    m,
	}
}

// withBucket runs fn under the user's bucket lock, creating the bucket when create is set
func (m *CSRFTokenManager) withBucket(userID string, create bool, fn func(b *csrfBucket)) {
	for {
		var v any
		if create {
			v, _ = m.buckets.LoadOrStore(userID, &csrfBucket{})
		} else {
			var ok bool
			if v, ok = m.buckets.Load(userID); !ok {
				return
			}
		}

		b := v.(*csrfBucket)
		b.mu.Lock()
		if b.removed {
			b.mu.Unlock()
			continue
		}
		fn(b)
		b.mu.Unlock()
		return
	}
}

// GenerateToken creates a new token for userID. When the user already holds
// the maximum number of live tokens the oldest is evicted first.
func (m *CSRFTokenManager) GenerateToken(userID string) (*models.CSRFToken, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", models.ErrBadRequest)
	}

	randomBytes := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate csrf token: %w", err)
	}

	now := m.clock.Now().UTC()
	token := &models.CSRFToken{
		Token:     hex.EncodeToString(randomBytes),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.tokenTTL),
	}

	m.withBucket(userID, true, func(b *csrfBucket) {
		b.prune(now)
		for len(b.tokens) >= m.maxPerUser {
			b.tokens[0] = nil
			b.tokens = b.tokens[1:]
		}
		b.tokens = append(b.tokens, token)
	})

	issued := *token
	return &issued, nil
}

// ValidateToken checks a token without consuming it
func (m *CSRFTokenManager) ValidateToken(token, userID string) bool {
	if token == "" || userID == "" {
		return false
	}
	now := m.clock.Now()
	valid := false

	m.withBucket(userID, false, func(b *csrfBucket) {
		valid = b.find(token, now) >= 0
	})

	m.metrics.ObserveCSRF("validate", valid)
	return valid
}

// ValidateAndConsume checks a token and marks it used in the same critical
// section, so concurrent callers presenting the same token succeed at most once.
func (m *CSRFTokenManager) ValidateAndConsume(token, userID string) bool {
	if token == "" || userID == "" {
		return false
	}
	now := m.clock.Now()
	consumed := false

	m.withBucket(userID, false, func(b *csrfBucket) {
		i := b.find(token, now)
		if i < 0 {
			return
		}
		b.tokens[i].Used = true
		b.prune(now)
		consumed = true
	})

	m.metrics.ObserveCSRF("consume", consumed)
	return consumed
}

// RevokeAllForUser invalidates every token of userID and returns how many were live
func (m *CSRFTokenManager) RevokeAllForUser(userID string) int {
	v, ok := m.buckets.LoadAndDelete(userID)
	if !ok {
		return 0
	}

	now := m.clock.Now()
	b := v.(*csrfBucket)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(now)
	revoked := len(b.tokens)
	for _, t := range b.tokens {
		t.Used = true
	}
	b.tokens = nil
	b.removed = true
	return revoked
}

// LiveTokens returns how many unexpired, unused tokens userID holds
func (m *CSRFTokenManager) LiveTokens(userID string) int {
	now := m.clock.Now()
	count := 0
	m.withBucket(userID, false, func(b *csrfBucket) {
		b.prune(now)
		count = len(b.tokens)
	})
	return count
}

// Name identifies the store to the cleanup manager
func (m *CSRFTokenManager) Name() string {
	return "csrf_tokens"
}

// Sweep drops dead tokens and empty user buckets
func (m *CSRFTokenManager) Sweep(ctx context.Context) (int, error) {
	now := m.clock.Now()
	removed := 0

	m.buckets.Range(func(key, value any) bool {
		if ctx.Err() != nil {
			return false
		}
		b := value.(*csrfBucket)
		b.mu.Lock()
		before := len(b.tokens)
		b.prune(now)
		removed += before - len(b.tokens)
		if len(b.tokens) == 0 {
			b.removed = true
			m.buckets.Delete(key)
		}
		b.mu.Unlock()
		return true
	})

	return removed, ctx.Err()
}
