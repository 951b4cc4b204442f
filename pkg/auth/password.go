package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultBcryptCost = 14
	MinPasswordLen    = 12
	MaxPasswordLen    = 72 // bcrypt ignores input beyond 72 bytes
)

// ErrWeakPassword is returned by CheckStrength; the reasons stay server side
var ErrWeakPassword = errors.New("password does not meet strength requirements")

// WeakPasswordError lists the unmet requirements for operator tooling
type WeakPasswordError struct {
	Reasons []string
}

func (e *WeakPasswordError) Error() string {
	return ErrWeakPassword.Error() + ": " + strings.Join(e.Reasons, "; ")
}

func (e *WeakPasswordError) Unwrap() error {
	return ErrWeakPassword
}

var commonPasswords = map[string]bool{
	"password1234":  true,
	"administrator": true,
	"letmein12345":  true,
	"qwertyuiop12":  true,
	"changeme1234":  true,
	"welcome12345":  true,
}

// HashPassword hashes a password with bcrypt. A cost of zero uses DefaultBcryptCost.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// ComparePassword reports whether password matches the bcrypt hash
func ComparePassword(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// CheckStrength enforces the minimum bar for operator-chosen admin passwords
func CheckStrength(password string) error {
	var reasons []string

	if len(password) < MinPasswordLen {
		reasons = append(reasons, fmt.Sprintf("must be at least %d characters", MinPasswordLen))
	}
	if len(password) > MaxPasswordLen {
		reasons = append(reasons, fmt.Sprintf("must be at most %d bytes", MaxPasswordLen))
	}

	var hasLetter, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	if !hasLetter || !hasDigit {
		reasons = append(reasons, "must mix letters and digits")
	}
	if !hasSymbol {
		reasons = append(reasons, "must contain a symbol")
	}
	if commonPasswords[strings.ToLower(password)] {
		reasons = append(reasons, "is too common")
	}

	if len(reasons) > 0 {
		return &WeakPasswordError{Reasons: reasons}
	}
	return nil
}
