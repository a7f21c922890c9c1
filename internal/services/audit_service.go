package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/google/uuid"
)

// GenesisHash is the previous hash of the first entry ever recorded.
var GenesisHash = strings.Repeat("0", 64)

// AuditConfig holds ledger retention settings. Zero disables a limit.
// TrimSlack is how far the ledger may grow past MaxEntries before a batch
// trim brings it back down; zero means MaxEntries/10.
type AuditConfig struct {
	MaxEntries int
	Retention  time.Duration
	TrimSlack  int
}

// retainedCheckpoints bounds the in-memory checkpoint history. Sinks hold
// the full record.
const retainedCheckpoints = 16

// DefaultAuditConfig keeps 100k entries for 90 days.
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		MaxEntries: 100_000,
		Retention:  90 * 24 * time.Hour,
	}
}

// AuditPublisher receives entries and checkpoints after they are committed
// to the ledger. Implementations must not block.
type AuditPublisher interface {
	PublishEntry(entry models.AuditEntry)
	PublishCheckpoint(cp models.AuditCheckpoint)
	Dropped() int64
}

// AuditService is an append-only, hash-chained audit ledger. Appends are
// serialized by a single lock so the chain has one global order.
type AuditService struct {
	mu           sync.Mutex
	config       AuditConfig
	entries      []models.AuditEntry // oldest first
	lastHash     string
	checkpoints  []models.AuditCheckpoint // newest retainedCheckpoints only
	cpCount      int
	trimmedCount int64
	publisher    AuditPublisher
	now          clock
	logger       *slog.Logger
}

// NewAuditService creates an empty ledger.
func NewAuditService(config AuditConfig, logger *slog.Logger) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxEntries < 0 || config.Retention < 0 || config.TrimSlack < 0 {
		panic("audit retention limits must not be negative")
	}
	if config.TrimSlack == 0 {
		config.TrimSlack = config.MaxEntries / 10
	}
	return &AuditService{
		config:   config,
		lastHash: GenesisHash,
		now:      systemClock,
		logger:   logger,
	}
}

// SetClock replaces the time source.
func (s *AuditService) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPublisher attaches the fan-out for durable and streaming sinks.
func (s *AuditService) SetPublisher(p AuditPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// Record appends an entry with the action's default severity.
func (s *AuditService) Record(action models.AuditAction, actx models.AuditContext, data models.AuditPayload) models.AuditEntry {
	severity, ok := action.DefaultSeverity()
	if !ok {
		panic(fmt.Sprintf("unknown audit action %q", action))
	}
	return s.RecordWithSeverity(action, severity, actx, data)
}

// RecordWithSeverity appends an entry with an explicit severity.
func (s *AuditService) RecordWithSeverity(action models.AuditAction, severity models.AuditSeverity, actx models.AuditContext, data models.AuditPayload) models.AuditEntry {
	if !action.Valid() {
		panic(fmt.Sprintf("unknown audit action %q", action))
	}
	if !severity.Valid() {
		panic(fmt.Sprintf("unknown audit severity %q", severity))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Truncate(time.Microsecond) // Postgres precision
	entry := models.AuditEntry{
		ID:           uuid.NewString(),
		Timestamp:    now,
		Action:       action,
		Severity:     severity,
		Context:      actx,
		Data:         data,
		PreviousHash: s.lastHash,
	}
	hash, err := HashEntry(&entry)
	if err != nil {
		panic(fmt.Sprintf("audit payload is not serializable: %v", err))
	}
	entry.Hash = hash

	s.entries = append(s.entries, entry)
	s.lastHash = hash
	if s.publisher != nil {
		s.publisher.PublishEntry(entry)
	}

	if s.config.MaxEntries > 0 && len(s.entries) > s.config.MaxEntries+s.config.TrimSlack {
		s.trim(len(s.entries)-s.config.MaxEntries, now)
	}
	return entry
}

// RecordChange records only the fields that differ between before and
// after.
func (s *AuditService) RecordChange(action models.AuditAction, actx models.AuditContext, entityType, entityID string, before, after models.Fields) models.AuditEntry {
	mustIdentifier("entity type", entityType)
	return s.Record(action, actx, models.ChangePayload{
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    DiffFields(before, after),
	})
}

// DiffFields compares two snapshots key by key over the union of their keys.
// Unchanged fields are omitted; a missing side is reported as nil.
func DiffFields(before, after models.Fields) map[string]models.FieldChange {
	changes := make(map[string]models.FieldChange)
	for k, old := range before {
		nv, ok := after[k]
		if !ok {
			changes[k] = models.FieldChange{Old: old, New: nil}
			continue
		}
		if !reflect.DeepEqual(old, nv) {
			changes[k] = models.FieldChange{Old: old, New: nv}
		}
	}
	for k, nv := range after {
		if _, ok := before[k]; !ok {
			changes[k] = models.FieldChange{Old: nil, New: nv}
		}
	}
	return changes
}

type hashInput struct {
	ID           string               `json:"id"`
	Timestamp    string               `json:"timestamp"`
	Action       models.AuditAction   `json:"action"`
	Severity     models.AuditSeverity `json:"severity"`
	Context      models.AuditContext  `json:"context"`
	DataKind     models.PayloadKind   `json:"data_kind"`
	Data         models.AuditPayload  `json:"data"`
	PreviousHash string               `json:"previous_hash"`
}

// HashEntry computes the chain hash of an entry from its own fields and its
// PreviousHash. The stored Hash field is ignored.
func HashEntry(e *models.AuditEntry) (string, error) {
	raw, err := json.Marshal(hashInput{
		ID:           e.ID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:       e.Action,
		Severity:     e.Severity,
		Context:      e.Context,
		DataKind:     e.PayloadKind(),
		Data:         e.Data,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// trim drops the n oldest entries after recording a checkpoint at the last
// dropped one. Caller holds mu.
func (s *AuditService) trim(n int, now time.Time) {
	if n <= 0 {
		return
	}
	last := s.entries[n-1]
	s.trimmedCount += int64(n)
	cp := models.AuditCheckpoint{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastEntryID:  last.ID,
		LastHash:     last.Hash,
		TrimmedCount: s.trimmedCount,
	}
	s.cpCount++
	if len(s.checkpoints) == retainedCheckpoints {
		s.checkpoints = append(s.checkpoints[:0], s.checkpoints[1:]...)
	}
	s.checkpoints = append(s.checkpoints, cp)
	// Reslice; the next append that outgrows cap moves the live tail to a
	// fresh array and releases the dropped prefix.
	clear(s.entries[:n])
	s.entries = s.entries[n:]

	if s.publisher != nil {
		s.publisher.PublishCheckpoint(cp)
	}
	s.logger.Info("audit entries trimmed",
		slog.Int("trimmed", n),
		slog.Int64("total_trimmed", s.trimmedCount),
		slog.String("checkpoint_id", cp.ID))
}

// Query returns entries matching every set filter field, newest first.
// Total is the filtered count before paging.
func (s *AuditService) Query(filter models.AuditFilter) models.AuditQueryResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]models.AuditEntry, 0)
	for i := len(s.entries) - 1; i >= 0; i-- {
		if matchesFilter(&s.entries[i], &filter) {
			matched = append(matched, s.entries[i])
		}
	}

	result := models.AuditQueryResult{Total: len(matched), Entries: []models.AuditEntry{}}
	offset := max(filter.Offset, 0)
	if offset >= len(matched) {
		return result
	}
	end := len(matched)
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	result.Entries = matched[offset:end]
	return result
}

func matchesFilter(e *models.AuditEntry, f *models.AuditFilter) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.UserID != "" && e.Context.UserID != f.UserID {
		return false
	}
	if f.EntityType != "" || f.EntityID != "" {
		if e.Data == nil {
			return false
		}
		entityType, entityID := e.Data.Entity()
		if f.EntityType != "" && entityType != f.EntityType {
			return false
		}
		if f.EntityID != "" && entityID != f.EntityID {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// VerifyIntegrity walks the retained entries oldest first. The first entry
// is anchored at the latest checkpoint, or at the genesis hash if nothing
// has been trimmed.
func (s *AuditService) VerifyIntegrity() models.IntegrityReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := models.IntegrityReport{Valid: true, AnchorHash: GenesisHash, AnchoredAt: "genesis"}
	if n := len(s.checkpoints); n > 0 {
		report.AnchorHash = s.checkpoints[n-1].LastHash
		report.AnchoredAt = "checkpoint:" + s.checkpoints[n-1].ID
	}

	expectedPrev := report.AnchorHash
	for i := range s.entries {
		e := &s.entries[i]
		report.Checked++
		if e.PreviousHash != expectedPrev {
			return s.broken(report, e.ID, "previous hash does not match chain")
		}
		hash, err := HashEntry(e)
		if err != nil {
			return s.broken(report, e.ID, "entry is not serializable")
		}
		if hash != e.Hash {
			return s.broken(report, e.ID, "entry hash mismatch")
		}
		expectedPrev = e.Hash
	}
	return report
}

func (s *AuditService) broken(report models.IntegrityReport, id, reason string) models.IntegrityReport {
	report.Valid = false
	report.BrokenAtID = id
	report.Reason = reason
	s.logger.Error("audit chain integrity check failed",
		slog.String("entry_id", id),
		slog.String("reason", reason),
		slog.Int("checked", report.Checked))
	return report
}

// Sweep applies age-based retention and returns the number of entries
// trimmed.
func (s *AuditService) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.Retention <= 0 {
		return 0
	}
	now := s.now()
	cutoff := now.Add(-s.config.Retention)
	n := sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].Timestamp.Before(cutoff)
	})
	s.trim(n, now.UTC())
	return n
}

// Checkpoints returns the most recent chain checkpoints, oldest first.
func (s *AuditService) Checkpoints() []models.AuditCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditCheckpoint(nil), s.checkpoints...)
}

// Stats returns ledger statistics.
func (s *AuditService) Stats() models.AuditStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := models.AuditStats{
		TotalEntries: len(s.entries),
		BySeverity:   make(map[models.AuditSeverity]int),
		ByAction:     make(map[models.AuditAction]int),
		LastHash:     s.lastHash,
		TrimmedCount: s.trimmedCount,
		Checkpoints:  s.cpCount,
	}
	for i := range s.entries {
		stats.BySeverity[s.entries[i].Severity]++
		stats.ByAction[s.entries[i].Action]++
	}
	if n := len(s.entries); n > 0 {
		oldest, newest := s.entries[0].Timestamp, s.entries[n-1].Timestamp
		stats.OldestEntry = &oldest
		stats.NewestEntry = &newest
	}
	if s.publisher != nil {
		stats.DroppedEvents = s.publisher.Dropped()
	}
	return stats
}
