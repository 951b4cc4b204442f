// Package clock provides an injectable time source so that window rollover,
// lockout expiry and credential grace periods can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by every time-windowed component
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock
type Real struct{}

// Now returns time.Now()
func (Real) Now() time.Time {
	return time.Now()
}

// Mock is a manually advanced clock for tests
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock creates a Mock clock set to start
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Now returns the mock's current time
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock forward by d
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set moves the mock to t. Moving backwards is allowed so tests can simulate clock skew.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// OrReal returns c, or a Real clock when c is nil
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
