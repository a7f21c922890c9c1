package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
)

// AuditSink persists or forwards ledger output. Errors are logged by the
// dispatcher and never reach the ledger.
type AuditSink interface {
	Name() string
	WriteEntry(ctx context.Context, entry models.AuditEntry) error
	WriteCheckpoint(ctx context.Context, cp models.AuditCheckpoint) error
}

const sinkWriteTimeout = 5 * time.Second

type dispatchItem struct {
	entry      *models.AuditEntry
	checkpoint *models.AuditCheckpoint
}

// AuditDispatcher fans ledger output out to sinks on a background
// goroutine. Publishing never blocks; when the buffer is full the item is
// dropped and counted.
type AuditDispatcher struct {
	sinks   []AuditSink
	queue   chan dispatchItem
	logger  *slog.Logger
	dropped atomic.Int64
	failed  atomic.Int64

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	onError func(sink string)
}

// NewAuditDispatcher creates a dispatcher with the given buffer size.
func NewAuditDispatcher(buffer int, logger *slog.Logger, sinks ...AuditSink) *AuditDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &AuditDispatcher{
		sinks:  sinks,
		queue:  make(chan dispatchItem, buffer),
		logger: logger,
	}
}

// OnSinkError registers a callback invoked after a failed sink write.
// It must be called before Start.
func (d *AuditDispatcher) OnSinkError(fn func(sink string)) {
	d.onError = fn
}

// Start launches the delivery goroutine. The context bounds sink writes.
func (d *AuditDispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for item := range d.queue {
			d.deliver(ctx, item)
		}
	}()
	d.logger.Info("audit dispatcher started", slog.Int("sinks", len(d.sinks)))
}

// Close stops accepting items, drains the buffer and waits for delivery.
func (d *AuditDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("audit dispatcher stopped",
		slog.Int64("dropped", d.dropped.Load()),
		slog.Int64("failed", d.failed.Load()))
}

// PublishEntry queues an entry for every sink.
func (d *AuditDispatcher) PublishEntry(entry models.AuditEntry) {
	d.enqueue(dispatchItem{entry: &entry})
}

// PublishCheckpoint queues a checkpoint for every sink.
func (d *AuditDispatcher) PublishCheckpoint(cp models.AuditCheckpoint) {
	d.enqueue(dispatchItem{checkpoint: &cp})
}

// Dropped returns how many items were discarded because the buffer was full
// or the dispatcher was closed.
func (d *AuditDispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Failed returns how many sink writes returned an error.
func (d *AuditDispatcher) Failed() int64 {
	return d.failed.Load()
}

func (d *AuditDispatcher) enqueue(item dispatchItem) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- item:
	default:
		if d.dropped.Add(1) == 1 {
			d.logger.Warn("audit dispatcher buffer full, dropping events")
		}
	}
}

func (d *AuditDispatcher) deliver(ctx context.Context, item dispatchItem) {
	for _, sink := range d.sinks {
		writeCtx, cancel := context.WithTimeout(ctx, sinkWriteTimeout)
		var err error
		if item.entry != nil {
			err = sink.WriteEntry(writeCtx, *item.entry)
		} else {
			err = sink.WriteCheckpoint(writeCtx, *item.checkpoint)
		}
		cancel()

		if err != nil {
			d.failed.Add(1)
			if d.onError != nil {
				d.onError(sink.Name())
			}
			d.logger.Error("failed to write audit sink",
				slog.String("sink", sink.Name()),
				slog.Any("error", err))
		}
	}
}
