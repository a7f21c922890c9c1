package services_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/BradenHooton/propguard/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu          sync.Mutex
	name        string
	fail        bool
	entries     []models.AuditEntry
	checkpoints []models.AuditCheckpoint
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) WriteEntry(_ context.Context, e models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *memorySink) WriteCheckpoint(_ context.Context, cp models.AuditCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.checkpoints = append(s.checkpoints, cp)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func TestAuditDispatcher_DeliversInOrderToEverySink(t *testing.T) {
	a, b := &memorySink{name: "a"}, &memorySink{name: "b"}
	d := services.NewAuditDispatcher(64, quietLogger(), a, b)
	d.Start(context.Background())

	svc, clk := newTestLedger(t, services.AuditConfig{MaxEntries: 4})
	svc.SetPublisher(d)
	entries := recordLogins(svc, clk, 5)
	d.Close()

	for _, sink := range []*memorySink{a, b} {
		require.Len(t, sink.entries, 5, sink.name)
		for i := range entries {
			assert.Equal(t, entries[i].ID, sink.entries[i].ID)
		}
		require.Len(t, sink.checkpoints, 1)
		assert.Equal(t, entries[0].Hash, sink.checkpoints[0].LastHash)
	}
	assert.Equal(t, int64(0), d.Dropped())
}

func TestAuditDispatcher_SinkFailuresAreCountedNotPropagated(t *testing.T) {
	bad, good := &memorySink{name: "bad", fail: true}, &memorySink{name: "good"}
	d := services.NewAuditDispatcher(8, quietLogger(), bad, good)

	var failedSinks []string
	var mu sync.Mutex
	d.OnSinkError(func(sink string) {
		mu.Lock()
		failedSinks = append(failedSinks, sink)
		mu.Unlock()
	})
	d.Start(context.Background())

	d.PublishEntry(models.AuditEntry{ID: "e1"})
	d.PublishEntry(models.AuditEntry{ID: "e2"})
	d.Close()

	assert.Equal(t, int64(2), d.Failed())
	assert.Equal(t, []string{"bad", "bad"}, failedSinks)
	assert.Len(t, good.entries, 2)
}

func TestAuditDispatcher_DropsWhenFull(t *testing.T) {
	sink := &memorySink{name: "mem"}
	d := services.NewAuditDispatcher(1, quietLogger(), sink)

	// Not started: the buffer fills after one item.
	d.PublishEntry(models.AuditEntry{ID: "e1"})
	d.PublishEntry(models.AuditEntry{ID: "e2"})
	d.PublishCheckpoint(models.AuditCheckpoint{ID: "c1"})
	assert.Equal(t, int64(2), d.Dropped())

	d.Start(context.Background())
	d.Close()
	assert.Len(t, sink.entries, 1)

	d.PublishEntry(models.AuditEntry{ID: "late"})
	assert.Equal(t, int64(3), d.Dropped())
	d.Close()
}

func TestAuditService_StatsReportDroppedEvents(t *testing.T) {
	d := services.NewAuditDispatcher(1, quietLogger())
	svc, clk := newTestLedger(t, services.AuditConfig{})
	svc.SetPublisher(d)

	recordLogins(svc, clk, 3)
	assert.Equal(t, int64(2), svc.Stats().DroppedEvents)
	assert.True(t, svc.VerifyIntegrity().Valid, "dropped sink events never affect the ledger")
}
