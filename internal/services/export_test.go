package services

import (
	"sync"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
)

// FakeClock is a manually advanced time source for tests.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{t: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// TamperEntry mutates a stored ledger entry in place, bypassing the
// append-only API, so tests can simulate storage tampering.
func (s *AuditService) TamperEntry(index int, fn func(e *models.AuditEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.entries[index])
}

// RemoveEntry deletes a stored entry without creating a checkpoint.
func (s *AuditService) RemoveEntry(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries[:index], s.entries[index+1:]...)
}
