package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultAPIKeyPrefix marks bastion service keys
	DefaultAPIKeyPrefix = "bst_"
	apiKeyEntropyBytes  = 32
	apiKeyDisplayLength = 12
)

// ErrMalformedAPIKey is returned for keys that cannot have been issued here
var ErrMalformedAPIKey = errors.New("invalid API key format")

// APIKeyManager generates opaque API keys and derives their storage hashes
type APIKeyManager struct {
	prefix string
}

// NewAPIKeyManager creates a new APIKeyManager. An empty prefix uses DefaultAPIKeyPrefix.
func NewAPIKeyManager(prefix string) *APIKeyManager {
	if prefix == "" {
		prefix = DefaultAPIKeyPrefix
	}
	return &APIKeyManager{prefix: prefix}
}

// Generate returns a new key in the form <prefix><64 hex chars> and its SHA-256 hash.
// Only the hash is kept; the plaintext is shown to the caller once.
func (m *APIKeyManager) Generate() (plainKey, hash string, err error) {
	randomBytes := make([]byte, apiKeyEntropyBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	plainKey = m.prefix + hex.EncodeToString(randomBytes)
	return plainKey, hashKey(plainKey), nil
}

// Hash validates the key format and returns its storage hash
func (m *APIKeyManager) Hash(plainKey string) (string, error) {
	if !strings.HasPrefix(plainKey, m.prefix) {
		return "", fmt.Errorf("%w: missing prefix", ErrMalformedAPIKey)
	}
	if len(plainKey) != len(m.prefix)+apiKeyEntropyBytes*2 {
		return "", fmt.Errorf("%w: expected %d chars, got %d", ErrMalformedAPIKey, len(m.prefix)+apiKeyEntropyBytes*2, len(plainKey))
	}
	return hashKey(plainKey), nil
}

// DisplayPrefix returns the leading characters shown in listings and logs
func (m *APIKeyManager) DisplayPrefix(plainKey string) string {
	if len(plainKey) < apiKeyDisplayLength {
		return plainKey
	}
	return plainKey[:apiKeyDisplayLength]
}

func hashKey(plainKey string) string {
	sum := sha256.Sum256([]byte(plainKey))
	return hex.EncodeToString(sum[:])
}
