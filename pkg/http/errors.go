package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Machine-readable error codes
const (
	CodeBadRequest        = "bad_request"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeAccountLocked     = "account_locked"
	CodeInternalError     = "internal_error"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error      string `json:"error"`                 // Machine-readable error code
	Message    string `json:"message"`               // Human-readable message
	Details    string `json:"details,omitempty"`     // Optional additional context
	RetryAfter int    `json:"retry_after,omitempty"` // Seconds until a retry may succeed
	// BlockedUntil is the epoch second a rate limit block ends
	BlockedUntil int64 `json:"blocked_until,omitempty"`
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteErrorWithDetails(w, statusCode, errorCode, message, "")
}

// WriteErrorWithDetails writes a JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	writeErrorResponse(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
		Details: details,
	})
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// Log encoding errors but don't expose them to client
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteJSON writes v as a JSON body with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// Common error writers for consistency
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeBadRequest, message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, CodeRateLimitExceeded, message)
}

// WriteRetryable writes a 429 with a Retry-After header and retry_after body field
func WriteRetryable(w http.ResponseWriter, errorCode, message string, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeErrorResponse(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      errorCode,
		Message:    message,
		RetryAfter: retryAfterSeconds,
	})
}

// WriteBlocked writes a 429 for a blocked client. The body keeps retryAfterSeconds
// and adds the block end; the Retry-After header is the full wait, so a client
// that honours it is not rejected again.
func WriteBlocked(w http.ResponseWriter, errorCode, message string, retryAfterSeconds, waitSeconds int, blockedUntil time.Time) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if waitSeconds < retryAfterSeconds {
		waitSeconds = retryAfterSeconds
	}
	w.Header().Set("Retry-After", strconv.Itoa(waitSeconds))
	writeErrorResponse(w, http.StatusTooManyRequests, ErrorResponse{
		Error:        errorCode,
		Message:      message,
		RetryAfter:   retryAfterSeconds,
		BlockedUntil: blockedUntil.Unix(),
	})
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
