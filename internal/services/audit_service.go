package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/pkg/logger"
	"github.com/google/uuid"
)

const (
	DefaultAuditCapacity = 10000
	auditMirrorBuffer    = 1024
)

// AuditRecorder is what the admission components need from the audit sink
type AuditRecorder interface {
	Record(ctx context.Context, event models.AuditEvent)
}

// AuditStats summarizes the sink for health and metrics endpoints
type AuditStats struct {
	Capacity       int    `json:"capacity"`
	Stored         int    `json:"stored"`
	TotalRecorded  uint64 `json:"total_recorded"`
	MirrorsDropped uint64 `json:"mirrors_dropped"`
}

// AuditService is a bounded in-memory audit log with a structured-log mirror.
//
// Writers claim a sequence number atomically and publish into slot
// (seq-1) % capacity, so Record never takes a lock and the oldest event is
// overwritten first. Readers verify each slot's sequence number to skip slots
// that a concurrent writer has already recycled.
type AuditService struct {
	slots    []atomic.Pointer[models.AuditEvent]
	capacity uint64
	seq      atomic.Uint64

	mirror  chan *models.AuditEvent
	dropped atomic.Uint64
	wg      sync.WaitGroup

	clock       clock.Clock
	auditLogger *logger.AuditLogger
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewAuditService creates a new AuditService holding at most capacity events
func NewAuditService(capacity int, clk clock.Clock, log *slog.Logger, m *metrics.Metrics) *AuditService {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditService{
		slots:       make([]atomic.Pointer[models.AuditEvent], capacity),
		capacity:    uint64(capacity),
		mirror:      make(chan *models.AuditEvent, auditMirrorBuffer),
		clock:       clock.OrReal(clk),
		auditLogger: logger.NewAuditLogger(log),
		logger:      log,
		metrics:     m,
	}
}

// Start runs the log mirror until ctx is cancelled. Events still buffered at
// cancellation are flushed before Wait returns.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				s.drainMirror()
				return
			case event := <-s.mirror:
				s.writeMirror(event)
			}
		}
	}()
}

// Wait blocks until the mirror goroutine has exited
func (s *AuditService) Wait() {
	s.wg.Wait()
}

func (s *AuditService) drainMirror() {
	for {
		select {
		case event := <-s.mirror:
			s.writeMirror(event)
		default:
			return
		}
	}
}

func (s *AuditService) writeMirror(event *models.AuditEvent) {
	s.auditLogger.Log(context.Background(), logger.AuditRecord{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Category:  string(event.Category),
		Action:    event.Action,
		UserID:    event.UserID,
		Address:   event.Address,
		Success:   event.Success,
		Severity:  event.Severity.String(),
		Level:     severityLevel(event.Severity),
		Details:   event.Details,
	})
}

func severityLevel(sev models.Severity) slog.Level {
	switch {
	case sev >= models.SeverityHigh:
		return slog.LevelError
	case sev == models.SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Record appends an event in O(1). It never blocks and never fails the caller:
// if the mirror buffer is full the log line is dropped and counted, but the
// event is still stored.
func (s *AuditService) Record(ctx context.Context, event models.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "audit record panicked", slog.Any("panic", r))
		}
	}()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.clock.Now().UTC()
	}
	if len(event.Details) > 0 {
		details := make(map[string]string, len(event.Details))
		for k, v := range event.Details {
			details[k] = v
		}
		event.Details = details
	}

	event.Seq = s.seq.Add(1)
	stored := &event
	s.publish(stored)

	s.metrics.ObserveAuditEvent(string(event.Category), event.Severity.String())

	select {
	case s.mirror <- stored:
	default:
		s.dropped.Add(1)
		s.metrics.ObserveMirrorDropped()
	}
}

// Query returns matching events, newest first. A non-positive Limit returns
// every match still in the buffer.
func (s *AuditService) Query(ctx context.Context, filter models.AuditFilter) []models.AuditEvent {
	results := make([]models.AuditEvent, 0)

	s.scan(func(event *models.AuditEvent) bool {
		if filter.Matches(event) {
			results = append(results, *event)
			if filter.Limit > 0 && len(results) >= filter.Limit {
				return false
			}
		}
		return ctx.Err() == nil
	})

	return results
}

// RecentAlerts returns events of at least Medium severity from the last hours
func (s *AuditService) RecentAlerts(ctx context.Context, hours int) []models.AuditEvent {
	if hours <= 0 {
		hours = 24
	}
	return s.Query(ctx, models.AuditFilter{
		Since:       s.clock.Now().Add(-time.Duration(hours) * time.Hour),
		MinSeverity: models.SeverityMedium,
	})
}

// Export renders events in [from, to) oldest first, as CSV or JSON
func (s *AuditService) Export(ctx context.Context, from, to time.Time, format ExportFormat) ([]byte, error) {
	if !to.IsZero() && !from.Before(to) {
		return nil, fmt.Errorf("export range start must precede end: %w", models.ErrBadRequest)
	}

	events := s.Query(ctx, models.AuditFilter{Since: from, Until: to})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Query is newest first
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return exportEvents(events, format)
}

// Stats returns buffer occupancy and mirror health
func (s *AuditService) Stats() AuditStats {
	total := s.seq.Load()
	stored := total
	if stored > s.capacity {
		stored = s.capacity
	}
	return AuditStats{
		Capacity:       int(s.capacity),
		Stored:         int(stored),
		TotalRecorded:  total,
		MirrorsDropped: s.dropped.Load(),
	}
}

// publish stores event in its slot unless a writer one lap ahead already
// filled it. A writer delayed between claiming its sequence number and
// storing must not overwrite the newer event.
func (s *AuditService) publish(event *models.AuditEvent) {
	slot := &s.slots[(event.Seq-1)%s.capacity]
	for {
		cur := slot.Load()
		if cur != nil && cur.Seq > event.Seq {
			return
		}
		if slot.CompareAndSwap(cur, event) {
			return
		}
	}
}

// scan walks the ring from the newest event backwards until fn returns false
func (s *AuditService) scan(fn func(*models.AuditEvent) bool) {
	head := s.seq.Load()
	for seq := head; seq > 0 && head-seq < s.capacity; seq-- {
		event := s.slots[(seq-1)%s.capacity].Load()
		if event == nil || event.Seq != seq {
			continue
		}
		if !fn(event) {
			return
		}
	}
}
