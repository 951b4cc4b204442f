package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")
)

// Admission errors. Only ErrInternalState is handled fail-open; every other
// admission error is reported to the caller as-is.
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrAccountLocked     = errors.New("account is temporarily locked")
	ErrInvalidCredential = errors.New("invalid or expired credential")
	ErrInvalidToken      = errors.New("invalid or expired token")
	ErrInternalState     = errors.New("admission state error")

	// Credential lifecycle errors
	ErrKeyAlreadyRotated = errors.New("api key already rotated")
	ErrKeyRevoked        = errors.New("api key already revoked")
)

// RetryError carries how long a rejected caller should wait before retrying
type RetryError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter.Round(time.Second))
}

func (e *RetryError) Unwrap() error {
	return e.Err
}
