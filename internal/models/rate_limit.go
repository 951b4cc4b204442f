package models

import "time"

// EndpointClass selects which limit set applies to a request
type EndpointClass string

const (
	EndpointClassGeneral EndpointClass = "general"
	EndpointClassAuth    EndpointClass = "auth"
	EndpointClassAdmin   EndpointClass = "admin"
)

// WindowStatus describes one sliding window after a check
type WindowStatus struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimitDecision is the outcome of a rate limit check
type RateLimitDecision struct {
	Allowed    bool
	RetryAfter time.Duration
	Minute     WindowStatus
	Hour       WindowStatus
	// BlockedUntil is set when the identity is (or has just become) blocked
	BlockedUntil *time.Time
	// BlockRemaining is how long the block lasts from the time of the check
	BlockRemaining time.Duration
	// FailedOpen marks a decision that allowed the request because the
	// limiter itself failed
	FailedOpen bool
}

// Tightest returns the window with the fewest remaining requests, which is the
// one surfaced in response headers
func (d RateLimitDecision) Tightest() WindowStatus {
	if d.Hour.Limit > 0 && d.Hour.Remaining < d.Minute.Remaining {
		return d.Hour
	}
	return d.Minute
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 for a rejection
func (d RateLimitDecision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	return ceilSeconds(d.RetryAfter)
}

// WaitSeconds is how long a rejected client must wait before any request can
// succeed: the longer of RetryAfter and the remaining block
func (d RateLimitDecision) WaitSeconds() int {
	if d.Allowed {
		return 0
	}
	wait := d.RetryAfter
	if d.BlockRemaining > wait {
		wait = d.BlockRemaining
	}
	return ceilSeconds(wait)
}

func ceilSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
