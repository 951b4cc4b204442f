package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
)

// RateLimiter decides whether a request from identity may proceed.
// Implementations never return an error: internal failures are folded into
// the decision according to the fail-open policy.
type RateLimiter interface {
	Check(ctx context.Context, identity string, class models.EndpointClass) models.RateLimitDecision
}

// RateLimitPolicy is the pair of sliding-window limits plus block length
type RateLimitPolicy struct {
	PerMinute     int
	PerHour       int
	BlockDuration time.Duration
}

// RateLimitConfig holds configuration for rate limiting behavior
type RateLimitConfig struct {
	Default RateLimitPolicy
	// Classes overrides Default per endpoint class
	Classes map[models.EndpointClass]RateLimitPolicy
	// FailOpen allows requests when the limiter's own state is unusable
	FailOpen bool
	// IdleTTL is how long a window with no activity and no block is kept
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns 60/min, 1000/hour, 15 minute block, fail open
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Default: RateLimitPolicy{
			PerMinute:     60,
			PerHour:       1000,
			BlockDuration: 15 * time.Minute,
		},
		FailOpen: true,
		IdleTTL:  time.Hour,
	}
}

// PolicyFor returns the policy applied to class
func (c RateLimitConfig) PolicyFor(class models.EndpointClass) RateLimitPolicy {
	if p, ok := c.Classes[class]; ok {
		return p
	}
	return c.Default
}

// RateLimitStats is a point-in-time view of limiter state
type RateLimitStats struct {
	TrackedIdentities int64  `json:"tracked_identities"`
	BlockedIdentities int    `json:"blocked_identities"`
	FailOpenEvents    uint64 `json:"fail_open_events"`
}

// clientWindow is the per-identity limiter state. Each queue holds the
// timestamps of admitted requests inside its window, oldest first.
type clientWindow struct {
	mu           sync.Mutex
	minute       []time.Time
	hour         []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
	// removed is set by Sweep so a Check that raced the deletion retries
	removed bool
}

// RateLimitService is the in-process two-window limiter with auto-block
type RateLimitService struct {
	windows  sync.Map // identity -> *clientWindow
	tracked  atomic.Int64
	failOpen atomic.Uint64

	config  RateLimitConfig
	clock   clock.Clock
	audit   AuditRecorder
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(config RateLimitConfig, clk clock.Clock, audit AuditRecorder, logger *slog.Logger, m *metrics.Metrics) *RateLimitService {
	if config.IdleTTL <= 0 {
		config.IdleTTL = time.Hour
	}
	return &RateLimitService{
		config:  config,
		clock:   clock.OrReal(clk),
		audit:   audit,
		logger:  logger,
		metrics: m,
	}
}

// Check counts the request against both windows for identity. Counting and
// blocking happen under the identity's lock, so a request is either fully
// counted or not counted at all.
func (s *RateLimitService) Check(ctx context.Context, identity string, class models.EndpointClass) (decision models.RateLimitDecision) {
	policy := s.config.PolicyFor(class)
	now := s.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			decision = s.handleInternalError(ctx, identity, class, policy, now, fmt.Errorf("%w: %v", models.ErrInternalState, r))
		}
	}()

	for {
		w := s.window(identity)

		var stale, justBlocked bool
		var err error
		func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.removed {
				stale = true
				return
			}
			decision, justBlocked, err = w.check(now, policy)
		}()

		if stale {
			continue
		}
		if err != nil {
			return s.handleInternalError(ctx, identity, class, policy, now, err)
		}

		switch {
		case decision.Allowed:
			s.metrics.ObserveAdmission(string(class), metrics.ResultAllowed)
		case justBlocked:
			s.metrics.ObserveAdmission(string(class), metrics.ResultRejected)
			s.metrics.ObserveBlock(string(class))
			recordRateLimitExceeded(ctx, s.audit, identity, class, decision)
		default:
			s.metrics.ObserveAdmission(string(class), metrics.ResultBlocked)
		}
		return decision
	}
}

// window returns the identity's window, creating it on first use
func (s *RateLimitService) window(identity string) *clientWindow {
	if w, ok := s.windows.Load(identity); ok {
		return w.(*clientWindow)
	}
	w, loaded := s.windows.LoadOrStore(identity, &clientWindow{})
	if !loaded {
		s.tracked.Add(1)
	}
	return w.(*clientWindow)
}

// check applies policy at now. Callers hold w.mu.
func (w *clientWindow) check(now time.Time, policy RateLimitPolicy) (models.RateLimitDecision, bool, error) {
	if !w.lastSeen.IsZero() && now.Before(w.lastSeen) {
		return models.RateLimitDecision{}, false, fmt.Errorf("%w: clock moved backwards by %s", models.ErrInternalState, w.lastSeen.Sub(now))
	}
	w.lastSeen = now

	// Blocked identities are rejected without touching the counters
	if now.Before(w.blockedUntil) {
		until := w.blockedUntil
		return models.RateLimitDecision{
			Allowed:        false,
			RetryAfter:     until.Sub(now),
			Minute:         models.WindowStatus{Limit: policy.PerMinute, Remaining: 0, ResetAt: until},
			Hour:           models.WindowStatus{Limit: policy.PerHour, Remaining: 0, ResetAt: until},
			BlockedUntil:   &until,
			BlockRemaining: until.Sub(now),
		}, false, nil
	}

	w.minute = pruneBefore(w.minute, now.Add(-time.Minute))
	w.hour = pruneBefore(w.hour, now.Add(-time.Hour))

	minuteExceeded := len(w.minute) >= policy.PerMinute
	hourExceeded := len(w.hour) >= policy.PerHour

	if minuteExceeded || hourExceeded {
		w.blockedUntil = now.Add(policy.BlockDuration)
		until := w.blockedUntil

		// Report when the exceeded window frees a slot
		var retryAfter time.Duration
		if minuteExceeded && len(w.minute) > 0 {
			retryAfter = w.minute[0].Add(time.Minute).Sub(now)
		}
		if hourExceeded && len(w.hour) > 0 {
			if d := w.hour[0].Add(time.Hour).Sub(now); d > retryAfter {
				retryAfter = d
			}
		}
		if retryAfter <= 0 {
			retryAfter = policy.BlockDuration
		}

		return models.RateLimitDecision{
			Allowed:        false,
			RetryAfter:     retryAfter,
			Minute:         w.status(w.minute, policy.PerMinute, time.Minute, now),
			Hour:           w.status(w.hour, policy.PerHour, time.Hour, now),
			BlockedUntil:   &until,
			BlockRemaining: policy.BlockDuration,
		}, true, nil
	}

	w.minute = append(w.minute, now)
	w.hour = append(w.hour, now)

	return models.RateLimitDecision{
		Allowed: true,
		Minute:  w.status(w.minute, policy.PerMinute, time.Minute, now),
		Hour:    w.status(w.hour, policy.PerHour, time.Hour, now),
	}, false, nil
}

func (w *clientWindow) status(queue []time.Time, limit int, span time.Duration, now time.Time) models.WindowStatus {
	remaining := limit - len(queue)
	if remaining < 0 {
		remaining = 0
	}
	reset := now.Add(span)
	if len(queue) > 0 {
		reset = queue[0].Add(span)
	}
	return models.WindowStatus{Limit: limit, Remaining: remaining, ResetAt: reset}
}

// pruneBefore drops timestamps at or before cutoff
func pruneBefore(queue []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(queue) && !queue[i].After(cutoff) {
		i++
	}
	if i == len(queue) {
		return queue[:0]
	}
	return queue[i:]
}

func recordRateLimitExceeded(ctx context.Context, audit AuditRecorder, identity string, class models.EndpointClass, decision models.RateLimitDecision) {
	details := map[string]string{
		"endpoint_class": string(class),
		"retry_after":    strconv.Itoa(decision.RetryAfterSeconds()),
	}
	if decision.BlockedUntil != nil {
		details["blocked_until"] = decision.BlockedUntil.UTC().Format(time.RFC3339)
	}

	audit.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryRateLimit,
		Action:   models.AuditActionRateLimitExceeded,
		Address:  identity,
		Success:  false,
		Severity: models.SeverityMedium,
		Details:  details,
	})
}

// handleInternalError resets the identity's window and applies the fail-open policy
func (s *RateLimitService) handleInternalError(ctx context.Context, identity string, class models.EndpointClass, policy RateLimitPolicy, now time.Time, err error) models.RateLimitDecision {
	s.failOpen.Add(1)
	s.resetWindow(identity)
	return limiterFailure(ctx, s.audit, s.logger, s.metrics, s.config.FailOpen, identity, class, policy, now, err)
}

// limiterFailure reports a limiter that could not decide and returns the
// decision dictated by failOpen
func limiterFailure(ctx context.Context, audit AuditRecorder, logger *slog.Logger, m *metrics.Metrics, failOpen bool, identity string, class models.EndpointClass, policy RateLimitPolicy, now time.Time, err error) models.RateLimitDecision {
	logger.WarnContext(ctx, "rate limiter internal error",
		slog.String("identity", identity),
		slog.String("endpoint_class", string(class)),
		slog.Bool("fail_open", failOpen),
		slog.Any("error", err),
	)
	audit.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryRateLimit,
		Action:   models.AuditActionLimiterError,
		Address:  identity,
		Success:  failOpen,
		Severity: models.SeverityMedium,
		Details: map[string]string{
			"endpoint_class": string(class),
			"error":          err.Error(),
		},
	})

	if !failOpen {
		m.ObserveAdmission(string(class), metrics.ResultRejected)
		return models.RateLimitDecision{
			Allowed:    false,
			RetryAfter: time.Second,
			Minute:     models.WindowStatus{Limit: policy.PerMinute, ResetAt: now.Add(time.Minute)},
			Hour:       models.WindowStatus{Limit: policy.PerHour, ResetAt: now.Add(time.Hour)},
		}
	}

	m.ObserveAdmission(string(class), metrics.ResultFailedOpen)
	return models.RateLimitDecision{
		Allowed:    true,
		FailedOpen: true,
		Minute:     models.WindowStatus{Limit: policy.PerMinute, Remaining: policy.PerMinute, ResetAt: now.Add(time.Minute)},
		Hour:       models.WindowStatus{Limit: policy.PerHour, Remaining: policy.PerHour, ResetAt: now.Add(time.Hour)},
	}
}

// resetWindow discards corrupted state for identity
func (s *RateLimitService) resetWindow(identity string) {
	if v, ok := s.windows.LoadAndDelete(identity); ok {
		w := v.(*clientWindow)
		w.mu.Lock()
		w.removed = true
		w.mu.Unlock()
		s.tracked.Add(-1)
	}
}

// Name identifies the limiter to the cleanup manager
func (s *RateLimitService) Name() string {
	return "rate_limiter"
}

// Sweep removes windows with no activity within IdleTTL and no active block.
// Each window is locked only while it is inspected.
func (s *RateLimitService) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.config.IdleTTL)
	removed := 0

	s.windows.Range(func(key, value any) bool {
		if ctx.Err() != nil {
			return false
		}
		w := value.(*clientWindow)
		w.mu.Lock()
		idle := !w.lastSeen.After(cutoff) && !now.Before(w.blockedUntil)
		if idle {
			w.removed = true
			s.windows.Delete(key)
		}
		w.mu.Unlock()
		if idle {
			s.tracked.Add(-1)
			removed++
		}
		return true
	})

	return removed, ctx.Err()
}

// Stats reports tracked and currently blocked identities
func (s *RateLimitService) Stats() RateLimitStats {
	now := s.clock.Now()
	blocked := 0
	s.windows.Range(func(_, value any) bool {
		w := value.(*clientWindow)
		w.mu.Lock()
		if now.Before(w.blockedUntil) {
			blocked++
		}
		w.mu.Unlock()
		return true
	})

	return RateLimitStats{
		TrackedIdentities: s.tracked.Load(),
		BlockedIdentities: blocked,
		FailOpenEvents:    s.failOpen.Load(),
	}
}
