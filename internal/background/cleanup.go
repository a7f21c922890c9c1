package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper reclaims memory held by expired in-memory state.
type Sweeper interface {
	Sweep() int
}

// SweepFunc reclaims expired state in an external store.
type SweepFunc func(ctx context.Context) (int64, error)

type sweepTarget struct {
	name  string
	sweep SweepFunc
}

// CleanupManager periodically sweeps the protection components and any
// registered stores. Expiry is evaluated lazily by the components; the
// sweep only bounds memory for keys nobody accesses any more.
type CleanupManager struct {
	targets  []sweepTarget
	logger   *slog.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	onSweep  func(name string, removed int64, err error)
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(logger *slog.Logger, interval time.Duration) *CleanupManager {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CleanupManager{
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Register adds an in-memory component. Must be called before Start.
func (cm *CleanupManager) Register(name string, s Sweeper) {
	cm.RegisterFunc(name, func(context.Context) (int64, error) {
		return int64(s.Sweep()), nil
	})
}

// RegisterFunc adds an external store cleanup. Must be called before Start.
func (cm *CleanupManager) RegisterFunc(name string, fn SweepFunc) {
	cm.targets = append(cm.targets, sweepTarget{name: name, sweep: fn})
}

// OnSweep registers a callback invoked after every target run.
func (cm *CleanupManager) OnSweep(fn func(name string, removed int64, err error)) {
	cm.onSweep = fn
}

// Start begins the periodic cleanup task and blocks until Stop is called or
// ctx is cancelled.
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

// RunOnce sweeps every target once.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, t := range cm.targets {
		removed, err := t.sweep(cleanupCtx)
		if cm.onSweep != nil {
			cm.onSweep(t.name, removed, err)
		}
		if err != nil {
			cm.logger.Error("sweep failed", slog.String("target", t.name), slog.Any("error", err))
			continue
		}
		if removed > 0 {
			cm.logger.Info("sweep completed", slog.String("target", t.name), slog.Int64("removed", removed))
		}
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
