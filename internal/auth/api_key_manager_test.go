package auth

import (
	"errors"
	"strings"
	"testing"
)

func TestAPIKeyManager_GenerateAndHash(t *testing.T) {
	m := NewAPIKeyManager("")

	plain, hash, err := m.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.HasPrefix(plain, DefaultAPIKeyPrefix) {
		t.Errorf("expected prefix %q, got %q", DefaultAPIKeyPrefix, plain)
	}
	if len(plain) != len(DefaultAPIKeyPrefix)+64 {
		t.Errorf("unexpected key length %d", len(plain))
	}
	if strings.Contains(hash, plain) {
		t.Error("hash must not contain the plaintext key")
	}

	rehash, err := m.Hash(plain)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if hash != rehash {
		t.Error("expected hash of generated key to match")
	}
}

func TestAPIKeyManager_GenerateIsUnique(t *testing.T) {
	m := NewAPIKeyManager("")
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		plain, _, err := m.Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if seen[plain] {
			t.Fatalf("duplicate key generated")
		}
		seen[plain] = true
	}
}

func TestAPIKeyManager_HashRejectsMalformed(t *testing.T) {
	m := NewAPIKeyManager("")

	for _, key := range []string{"", "bst_short", "xyz_" + strings.Repeat("a", 64)} {
		if _, err := m.Hash(key); !errors.Is(err, ErrMalformedAPIKey) {
			t.Errorf("Hash(%q) error = %v, want ErrMalformedAPIKey", key, err)
		}
	}
}

func TestAPIKeyManager_DisplayPrefix(t *testing.T) {
	m := NewAPIKeyManager("")
	if got := m.DisplayPrefix("bst_0123456789abcdef"); got != "bst_01234567" {
		t.Errorf("DisplayPrefix() = %q", got)
	}
	if got := m.DisplayPrefix("abc"); got != "abc" {
		t.Errorf("DisplayPrefix() = %q", got)
	}
}
