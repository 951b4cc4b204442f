package auth

import (
	"context"
	"testing"
	"time"
)

func TestTimingDelay_PadsFailures(t *testing.T) {
	td := NewTimingDelay(TimingConfig{BaseDelay: 30 * time.Millisecond})

	start := time.Now()
	td.WaitFrom(context.Background(), start, false)

	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("expected at least 30ms, got %v", elapsed)
	}
}

func TestTimingDelay_SuccessReturnsImmediately(t *testing.T) {
	td := NewTimingDelay(TimingConfig{BaseDelay: time.Second})

	start := time.Now()
	td.WaitFrom(context.Background(), start, true)

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("expected no delay on success, got %v", elapsed)
	}
}

func TestTimingDelay_AccountsForElapsedTime(t *testing.T) {
	td := NewTimingDelay(TimingConfig{BaseDelay: 20 * time.Millisecond})

	start := time.Now().Add(-time.Second)
	before := time.Now()
	td.WaitFrom(context.Background(), start, false)

	if elapsed := time.Since(before); elapsed > 10*time.Millisecond {
		t.Errorf("expected no extra delay once target passed, got %v", elapsed)
	}
}

func TestTimingDelay_HonoursContext(t *testing.T) {
	td := NewTimingDelay(TimingConfig{BaseDelay: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	td.WaitFrom(ctx, start, false)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected cancellation to cut the delay short, got %v", elapsed)
	}
}

func TestTimingDelay_NilIsNoop(t *testing.T) {
	var td *TimingDelay
	td.WaitFrom(context.Background(), time.Now(), false)
}

func TestCryptoRandDuration_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := cryptoRandDuration(10 * time.Millisecond)
		if d < 0 || d >= 10*time.Millisecond {
			t.Fatalf("out of range: %v", d)
		}
	}
	if cryptoRandDuration(0) != 0 {
		t.Error("expected zero for non-positive max")
	}
}
