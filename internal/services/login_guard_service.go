package services

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
)

// LoginGuardConfig holds the brute force threshold
type LoginGuardConfig struct {
	Threshold int
	Window    time.Duration
}

// DefaultLoginGuardConfig returns 10 failures per rolling hour
func DefaultLoginGuardConfig() LoginGuardConfig {
	return LoginGuardConfig{
		Threshold: 10,
		Window:    time.Hour,
	}
}

// LoginIdentityForUser scopes a login guard identity to a username
func LoginIdentityForUser(username string) string {
	return "user:" + strings.ToLower(strings.TrimSpace(username))
}

// LoginIdentityForAddress scopes a login guard identity to a client address
func LoginIdentityForAddress(address string) string {
	return "addr:" + address
}

// loginRecord holds failure timestamps inside the rolling window, oldest first
type loginRecord struct {
	mu       sync.Mutex
	failures []time.Time
	// alerted is true once the current threshold crossing has been reported
	alerted bool
	removed bool
}

// LoginGuardService counts failed logins per identity and locks identities
// that reach the threshold inside the rolling window. A successful login does
// not clear history; failures only age out.
type LoginGuardService struct {
	records sync.Map // identity -> *loginRecord

	config  LoginGuardConfig
	clock   clock.Clock
	audit   AuditRecorder
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLoginGuardService creates a new LoginGuardService
func NewLoginGuardService(config LoginGuardConfig, clk clock.Clock, audit AuditRecorder, logger *slog.Logger, m *metrics.Metrics) *LoginGuardService {
	if config.Threshold <= 0 {
		config.Threshold = DefaultLoginGuardConfig().Threshold
	}
	if config.Window <= 0 {
		config.Window = DefaultLoginGuardConfig().Window
	}
	return &LoginGuardService{
		config:  config,
		clock:   clock.OrReal(clk),
		audit:   audit,
		logger:  logger,
		metrics: m,
	}
}

// withRecord runs fn on identity's record under its lock, creating the record if needed
func (s *LoginGuardService) withRecord(identity string, create bool, fn func(r *loginRecord)) {
	for {
		var v any
		var ok bool
		if create {
			v, _ = s.records.LoadOrStore(identity, &loginRecord{})
			ok = true
		} else {
			v, ok = s.records.Load(identity)
		}
		if !ok {
			return
		}

		r := v.(*loginRecord)
		r.mu.Lock()
		if r.removed {
			r.mu.Unlock()
			continue
		}
		fn(r)
		r.mu.Unlock()
		return
	}
}

// prune drops failures outside the window and re-arms the alert once the
// count falls below threshold. Callers hold r.mu.
func (s *LoginGuardService) prune(r *loginRecord, now time.Time) {
	r.failures = pruneBefore(r.failures, now.Add(-s.config.Window))
	if len(r.failures) < s.config.Threshold {
		r.alerted = false
	}
}

// RecordFailure counts a failed attempt and reports whether identity is now locked.
// The brute force alert fires once per threshold crossing.
func (s *LoginGuardService) RecordFailure(ctx context.Context, identity string) bool {
	now := s.clock.Now()
	var count int
	var crossed, locked bool

	s.withRecord(identity, true, func(r *loginRecord) {
		s.prune(r, now)
		r.failures = append(r.failures, now)
		count = len(r.failures)
		locked = count >= s.config.Threshold
		if locked && !r.alerted {
			r.alerted = true
			crossed = true
		}
	})

	s.metrics.ObserveLoginFailure(crossed)

	if crossed {
		s.logger.WarnContext(ctx, "brute force threshold reached",
			slog.String("identity", identity),
			slog.Int("failures", count),
		)
		s.audit.Record(ctx, models.AuditEvent{
			Category: models.AuditCategoryBruteForce,
			Action:   models.AuditActionBruteForce,
			Address:  identity,
			Success:  false,
			Severity: models.SeverityHigh,
			Details: map[string]string{
				"failures": strconv.Itoa(count),
				"window":   s.config.Window.String(),
			},
		})
	}

	return locked
}

// IsLocked reports whether identity has reached the threshold inside the window
func (s *LoginGuardService) IsLocked(identity string) bool {
	return s.LockedFor(identity) > 0
}

// LockedFor returns how long until identity drops below the threshold, or zero
func (s *LoginGuardService) LockedFor(identity string) time.Duration {
	now := s.clock.Now()
	var remaining time.Duration

	s.withRecord(identity, false, func(r *loginRecord) {
		s.prune(r, now)
		n := len(r.failures)
		if n < s.config.Threshold {
			return
		}
		// The lock lifts when the failure that completes the oldest threshold-sized run ages out
		remaining = r.failures[n-s.config.Threshold].Add(s.config.Window).Sub(now)
	})

	if remaining < 0 {
		return 0
	}
	return remaining
}

// Failures returns the current count of failures inside the window
func (s *LoginGuardService) Failures(identity string) int {
	now := s.clock.Now()
	count := 0
	s.withRecord(identity, false, func(r *loginRecord) {
		s.prune(r, now)
		count = len(r.failures)
	})
	return count
}

// RecordLockedAttempt audits an attempt that was rejected because identity is locked
func (s *LoginGuardService) RecordLockedAttempt(ctx context.Context, identity, username string, retryAfter time.Duration) {
	s.metrics.ObserveAdmission(string(models.EndpointClassAuth), metrics.ResultLocked)
	s.audit.Record(ctx, models.AuditEvent{
		Category: models.AuditCategoryAuth,
		Action:   models.AuditActionLoginRejected,
		UserID:   username,
		Address:  identity,
		Success:  false,
		Severity: models.SeverityHigh,
		Details: map[string]string{
			"retry_after": strconv.Itoa(int(retryAfter.Round(time.Second) / time.Second)),
		},
	})
}

// Name identifies the guard to the cleanup manager
func (s *LoginGuardService) Name() string {
	return "login_guard"
}

// Sweep removes identities whose failures have all aged out of the window
func (s *LoginGuardService) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	removed := 0

	s.records.Range(func(key, value any) bool {
		if ctx.Err() != nil {
			return false
		}
		r := value.(*loginRecord)
		r.mu.Lock()
		s.prune(r, now)
		empty := len(r.failures) == 0
		if empty {
			r.removed = true
			s.records.Delete(key)
		}
		r.mu.Unlock()
		if empty {
			removed++
		}
		return true
	})

	return removed, ctx.Err()
}
