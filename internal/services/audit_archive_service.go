package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/clock"
	"github.com/BradenHooton/bastion/internal/metrics"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/robfig/cron/v3"
)

// archiveSettleLag keeps scheduled runs behind the clock. An event is stamped
// before it is published to the sink, so the newest second may still be in flight.
const archiveSettleLag = time.Second

// AuditExporter is the slice of the audit sink the archiver reads from
type AuditExporter interface {
	Export(ctx context.Context, from, to time.Time, format ExportFormat) ([]byte, error)
}

// AuditArchiveStore persists exported events
type AuditArchiveStore interface {
	InsertBatch(ctx context.Context, events []models.AuditEvent) (int, error)
	LatestTimestamp(ctx context.Context) (time.Time, error)
}

// AuditArchiveService copies audit events out of the bounded in-memory sink
// on a cron schedule, so events survive ring eviction and restarts.
type AuditArchiveService struct {
	exporter  AuditExporter
	store     AuditArchiveStore
	schedule  string
	batchSize int

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	cron *cron.Cron

	mu        sync.Mutex
	watermark time.Time // events before this have been archived
}

// NewAuditArchiveService creates a new AuditArchiveService
func NewAuditArchiveService(exporter AuditExporter, store AuditArchiveStore, schedule string, batchSize int, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *AuditArchiveService {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &AuditArchiveService{
		exporter:  exporter,
		store:     store,
		schedule:  schedule,
		batchSize: batchSize,
		clock:     clock.OrReal(clk),
		logger:    logger,
		metrics:   m,
	}
}

// Start resumes from the newest archived event and schedules RunOnce
func (s *AuditArchiveService) Start(ctx context.Context) error {
	latest, err := s.store.LatestTimestamp(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "could not read archive watermark, archiving from the start of the sink", slog.Any("error", err))
	}
	s.mu.Lock()
	s.watermark = latest
	s.mu.Unlock()

	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.ErrorContext(ctx, "audit archive run failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("invalid audit archive schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.logger.Info("audit archive started", slog.String("schedule", s.schedule))
	return nil
}

// Stop stops scheduling and returns a context that is done when a running job finishes
func (s *AuditArchiveService) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// RunOnce archives every event recorded since the watermark, up to one
// settle lag before now. The watermark only advances after the store accepted
// all batches, so a failed run is retried in full next time.
func (s *AuditArchiveService) RunOnce(ctx context.Context) (int, error) {
	return s.archiveUntil(ctx, s.clock.Now().Add(-archiveSettleLag))
}

// Flush archives everything up to now. Call it once writers have stopped.
func (s *AuditArchiveService) Flush(ctx context.Context) (int, error) {
	return s.archiveUntil(ctx, s.clock.Now().Add(time.Nanosecond))
}

func (s *AuditArchiveService) archiveUntil(ctx context.Context, to time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.watermark
	if !from.Before(to) {
		return 0, nil
	}

	data, err := s.exporter.Export(ctx, from, to, ExportFormatJSON)
	if err != nil {
		return 0, fmt.Errorf("export audit events: %w", err)
	}

	var events []models.AuditEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return 0, fmt.Errorf("decode audit export: %w", err)
	}

	archived := 0
	for start := 0; start < len(events); start += s.batchSize {
		end := start + s.batchSize
		if end > len(events) {
			end = len(events)
		}
		n, err := s.store.InsertBatch(ctx, events[start:end])
		archived += n
		if err != nil {
			s.metrics.ObserveArchived(archived)
			return archived, err
		}
	}

	s.watermark = to
	s.metrics.ObserveArchived(archived)
	s.logger.InfoContext(ctx, "audit events archived",
		slog.Int("exported", len(events)),
		slog.Int("archived", archived),
		slog.Time("until", to),
	)

	return archived, nil
}

// Watermark returns the end of the last successful archive run
func (s *AuditArchiveService) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}
