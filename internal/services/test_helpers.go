package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// RecordingAuditor implements AuditRecorder for testing
type RecordingAuditor struct {
	mu     sync.Mutex
	Events []models.AuditEvent
}

func (r *RecordingAuditor) Record(ctx context.Context, event models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, event)
}

// ByAction returns recorded events with the given action
func (r *RecordingAuditor) ByAction(action string) []models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range r.Events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// MockCredentialVerifier implements CredentialVerifier for testing
type MockCredentialVerifier struct {
	mu         sync.Mutex
	Calls      int
	VerifyFunc func(ctx context.Context, username, password string) (*models.Principal, error)
}

func (m *MockCredentialVerifier) Verify(ctx context.Context, username, password string) (*models.Principal, error) {
	m.mu.Lock()
	m.Calls++
	m.mu.Unlock()
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, username, password)
	}
	return nil, models.ErrInvalidCredential
}

// CallCount returns how many times Verify ran
func (m *MockCredentialVerifier) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls
}

// MockAuditArchiveStore implements AuditArchiveStore for testing
type MockAuditArchiveStore struct {
	mu                  sync.Mutex
	Batches             [][]models.AuditEvent
	InsertBatchFunc     func(ctx context.Context, events []models.AuditEvent) (int, error)
	LatestTimestampFunc func(ctx context.Context) (time.Time, error)
}

func (m *MockAuditArchiveStore) InsertBatch(ctx context.Context, events []models.AuditEvent) (int, error) {
	m.mu.Lock()
	m.Batches = append(m.Batches, append([]models.AuditEvent(nil), events...))
	m.mu.Unlock()
	if m.InsertBatchFunc != nil {
		return m.InsertBatchFunc(ctx, events)
	}
	return len(events), nil
}

func (m *MockAuditArchiveStore) LatestTimestamp(ctx context.Context) (time.Time, error) {
	if m.LatestTimestampFunc != nil {
		return m.LatestTimestampFunc(ctx)
	}
	return time.Time{}, nil
}

// BatchCount returns how many InsertBatch calls were made
func (m *MockAuditArchiveStore) BatchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Batches)
}
