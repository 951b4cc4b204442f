package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Roles understood by the admin authorization check
const (
	RoleAdmin   = "admin"
	RoleService = "service"
	RoleUser    = "user"
)

// TokenClaims is the session token payload issued after a successful login
type TokenClaims struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the outcome of a successful credential verification
type Principal struct {
	UserID   string
	Username string
	Role     string
}
