package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoginGuard() (*services.LoginGuardService, *clock.Mock, *services.RecordingAuditor) {
	clk := clock.NewMock(testStart)
	auditor := &services.RecordingAuditor{}
	return services.NewLoginGuardService(services.DefaultLoginGuardConfig(), clk, auditor, newTestLogger(), nil), clk, auditor
}

func TestLoginIdentity(t *testing.T) {
	assert.Equal(t, "user:bob", services.LoginIdentityForUser("  Bob "))
	assert.Equal(t, "addr:203.0.113.9", services.LoginIdentityForAddress("203.0.113.9"))
}

func TestLoginGuard_LocksAtThreshold(t *testing.T) {
	guard, clk, _ := newTestLoginGuard()
	ctx := context.Background()
	id := services.LoginIdentityForUser("bob")

	for i := 0; i < 9; i++ {
		assert.False(t, guard.RecordFailure(ctx, id), "failure %d must not lock", i+1)
		clk.Advance(time.Minute)
	}
	assert.False(t, guard.IsLocked(id))

	assert.True(t, guard.RecordFailure(ctx, id))
	assert.True(t, guard.IsLocked(id))
	assert.Equal(t, 10, guard.Failures(id))
}

func TestLoginGuard_AlertsOncePerCrossing(t *testing.T) {
	guard, _, auditor := newTestLoginGuard()
	ctx := context.Background()
	id := services.LoginIdentityForAddress("198.51.100.7")

	for i := 0; i < 15; i++ {
		guard.RecordFailure(ctx, id)
	}

	alerts := auditor.ByAction(models.AuditActionBruteForce)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, models.AuditCategoryBruteForce, alerts[0].Category)
	assert.Equal(t, "10", alerts[0].Details["failures"])
	assert.Equal(t, id, alerts[0].Address)
}

func TestLoginGuard_RearmsAfterFailuresAgeOut(t *testing.T) {
	guard, clk, auditor := newTestLoginGuard()
	ctx := context.Background()
	id := services.LoginIdentityForUser("carol")

	for i := 0; i < 10; i++ {
		guard.RecordFailure(ctx, id)
	}
	require.True(t, guard.IsLocked(id))

	clk.Advance(time.Hour + time.Second)
	assert.False(t, guard.IsLocked(id), "lock lifts when failures age out")
	assert.Equal(t, 0, guard.Failures(id))

	for i := 0; i < 10; i++ {
		guard.RecordFailure(ctx, id)
	}
	assert.Len(t, auditor.ByAction(models.AuditActionBruteForce), 2)
}

func TestLoginGuard_LockedForTracksOldestRelevantFailure(t *testing.T) {
	guard, clk, _ := newTestLoginGuard()
	ctx := context.Background()
	id := services.LoginIdentityForUser("dave")

	// failures at minute 0..9
	for i := 0; i < 10; i++ {
		guard.RecordFailure(ctx, id)
		clk.Advance(time.Minute)
	}
	// now at minute 10; the first failure ages out at minute 60
	assert.Equal(t, 50*time.Minute, guard.LockedFor(id))

	// an 11th failure extends the lock to when the second failure ages out
	guard.RecordFailure(ctx, id)
	assert.Equal(t, 51*time.Minute, guard.LockedFor(id))

	clk.Set(testStart.Add(61 * time.Minute))
	assert.Equal(t, time.Duration(0), guard.LockedFor(id))
}

func TestLoginGuard_UnknownIdentityIsNotLocked(t *testing.T) {
	guard, _, _ := newTestLoginGuard()

	assert.False(t, guard.IsLocked("user:nobody"))
	assert.Equal(t, 0, guard.Failures("user:nobody"))
}

func TestLoginGuard_RecordLockedAttemptAudits(t *testing.T) {
	guard, _, auditor := newTestLoginGuard()

	guard.RecordLockedAttempt(context.Background(), "user:bob", "bob", 90*time.Second)

	events := auditor.ByAction(models.AuditActionLoginRejected)
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].UserID)
	assert.Equal(t, "90", events[0].Details["retry_after"])
	assert.Equal(t, models.SeverityHigh, events[0].Severity)
}

func TestLoginGuard_SweepRemovesAgedOutRecords(t *testing.T) {
	guard, clk, _ := newTestLoginGuard()
	ctx := context.Background()

	guard.RecordFailure(ctx, "user:old")
	clk.Advance(50 * time.Minute)
	guard.RecordFailure(ctx, "user:recent")
	clk.Advance(15 * time.Minute)

	removed, err := guard.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, guard.Failures("user:recent"))
}

func TestLoginGuard_ConcurrentFailuresAlertOnce(t *testing.T) {
	guard, _, auditor := newTestLoginGuard()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard.RecordFailure(ctx, "user:target")
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, guard.Failures("user:target"))
	assert.Len(t, auditor.ByAction(models.AuditActionBruteForce), 1)
}
