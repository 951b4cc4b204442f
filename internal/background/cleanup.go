package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/bastion/internal/metrics"
)

// Sweeper is a component that drops its own expired state
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (int, error)
}

// CleanupManager periodically sweeps expired limiter windows, login records,
// anti-forgery tokens, dead API keys and token revocations
type CleanupManager struct {
	sweepers []Sweeper
	logger   *slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	logger *slog.Logger,
	m *metrics.Metrics,
	interval time.Duration,
	sweepers ...Sweeper,
) *CleanupManager {
	return &CleanupManager{
		sweepers: sweepers,
		logger:   logger,
		metrics:  m,
		interval: interval,
		timeout:  30 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic cleanup task. It blocks until Stop or ctx cancellation.
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce calls every sweeper with a bounded context. A failing sweeper does
// not stop the others.
func (cm *CleanupManager) RunOnce(ctx context.Context) map[string]int {
	removed := make(map[string]int, len(cm.sweepers))

	for _, s := range cm.sweepers {
		sweepCtx, cancel := context.WithTimeout(ctx, cm.timeout)
		n, err := s.Sweep(sweepCtx)
		cancel()

		removed[s.Name()] = n
		cm.metrics.ObserveSweep(s.Name(), n)

		if err != nil {
			cm.logger.Error("sweep failed", slog.String("sweeper", s.Name()), slog.Any("error", err))
			continue
		}
		if n > 0 {
			cm.logger.Info("sweep completed", slog.String("sweeper", s.Name()), slog.Int("removed", n))
		}
	}

	return removed
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
