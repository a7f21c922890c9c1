package services

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	pkglogger "github.com/BradenHooton/propguard/pkg/logger"
)

// LockoutConfig holds configuration for the account lockout policy
type LockoutConfig struct {
	MaxAttempts       int
	AttemptWindow     time.Duration
	LockoutDurations  []time.Duration // last value repeats for further lockouts
	TrackByIP         bool
	StuffingThreshold int // distinct identifiers per IP before it is flagged
}

// DefaultLockoutConfig returns the default policy: 5 attempts in 15 minutes,
// escalating 5m, 15m, 1h, 4h, 24h.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxAttempts:   5,
		AttemptWindow: 15 * time.Minute,
		LockoutDurations: []time.Duration{
			5 * time.Minute,
			15 * time.Minute,
			1 * time.Hour,
			4 * time.Hour,
			24 * time.Hour,
		},
		TrackByIP:         true,
		StuffingThreshold: 10,
	}
}

type lockoutEntry struct {
	failedAttempts int
	lastFailure    time.Time
	lockoutCount   int
	lockedUntil    time.Time // zero when not locked
	ips            map[string]struct{}
}

func (e *lockoutEntry) locked(now time.Time) bool {
	return e.lockedUntil.After(now)
}

// lastActivity is the later of the last failure and the lock expiry.
func (e *lockoutEntry) lastActivity() time.Time {
	if e.lockedUntil.After(e.lastFailure) {
		return e.lockedUntil
	}
	return e.lastFailure
}

type ipActivity struct {
	identifiers map[string]struct{}
	lastSeen    time.Time
}

// LockoutService tracks failed authentication attempts per identifier and
// escalates to timed lockouts. It also keeps an IP to identifiers index to
// detect credential stuffing.
type LockoutService struct {
	mu      sync.Mutex
	config  LockoutConfig
	entries map[string]*lockoutEntry
	byIP    map[string]*ipActivity
	now     clock
	logger  *slog.Logger
}

// NewLockoutService creates a new LockoutService. Zero numeric fields fall
// back to the defaults.
func NewLockoutService(config LockoutConfig, logger *slog.Logger) *LockoutService {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultLockoutConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.AttemptWindow <= 0 {
		config.AttemptWindow = defaults.AttemptWindow
	}
	if len(config.LockoutDurations) == 0 {
		config.LockoutDurations = defaults.LockoutDurations
	}
	if config.StuffingThreshold <= 0 {
		config.StuffingThreshold = defaults.StuffingThreshold
	}
	for _, d := range config.LockoutDurations {
		if d <= 0 {
			panic("lockout durations must be positive")
		}
	}
	config.LockoutDurations = append([]time.Duration(nil), config.LockoutDurations...)

	return &LockoutService{
		config:  config,
		entries: make(map[string]*lockoutEntry),
		byIP:    make(map[string]*ipActivity),
		now:     systemClock,
		logger:  logger,
	}
}

// SetClock replaces the time source.
func (s *LockoutService) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Config returns the effective configuration.
func (s *LockoutService) Config() LockoutConfig {
	return s.config
}

// RecordFailedAttempt counts one failed authentication for identifier.
// While the identifier is locked nothing is counted and the remaining lock
// time is reported.
func (s *LockoutService) RecordFailedAttempt(identifier, ipAddress string) models.LockoutResult {
	mustIdentifier("identifier", identifier)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[identifier]
	if !ok {
		e = &lockoutEntry{ips: make(map[string]struct{})}
		s.entries[identifier] = e
	}

	var result models.LockoutResult
	if e.locked(now) {
		// Locked attempts leave both IP indexes untouched.
		if act, ok := s.byIP[ipAddress]; ok && s.config.TrackByIP {
			result.SourceFlagged = len(act.identifiers) > s.config.StuffingThreshold
		}
		until := e.lockedUntil
		result.IsLocked = true
		result.LockoutCount = e.lockoutCount
		result.LockedUntil = &until
		result.RetryAfter = until.Sub(now)
		return result
	}
	e.lockedUntil = time.Time{}

	if s.config.TrackByIP && ipAddress != "" {
		result.SourceFlagged, result.SourceJustFlagged = s.trackIP(e, identifier, ipAddress, now)
	}

	if !e.lastFailure.IsZero() && now.Sub(e.lastFailure) > s.config.AttemptWindow {
		e.failedAttempts = 0
	}
	e.failedAttempts++
	e.lastFailure = now

	if e.failedAttempts < s.config.MaxAttempts {
		result.FailedAttempts = e.failedAttempts
		result.RemainingAttempts = s.config.MaxAttempts - e.failedAttempts
		result.LockoutCount = e.lockoutCount
		return result
	}

	idx := min(e.lockoutCount, len(s.config.LockoutDurations)-1)
	duration := s.config.LockoutDurations[idx]
	e.lockedUntil = now.Add(duration)
	e.lockoutCount++
	e.failedAttempts = 0

	s.logger.Warn("account locked",
		slog.String("identifier", pkglogger.SanitizedIdentifier(identifier)),
		slog.Int("lockout_count", e.lockoutCount),
		slog.Duration("duration", duration))

	until := e.lockedUntil
	result.IsLocked = true
	result.JustLocked = true
	result.FailedAttempts = s.config.MaxAttempts
	result.LockoutCount = e.lockoutCount
	result.LockedUntil = &until
	result.RetryAfter = duration
	return result
}

// trackIP records the source in both indexes. Caller holds mu.
func (s *LockoutService) trackIP(e *lockoutEntry, identifier, ipAddress string, now time.Time) (flagged, justFlagged bool) {
	e.ips[ipAddress] = struct{}{}

	act, ok := s.byIP[ipAddress]
	if !ok {
		act = &ipActivity{identifiers: make(map[string]struct{})}
		s.byIP[ipAddress] = act
	}
	act.lastSeen = now

	before := len(act.identifiers)
	act.identifiers[identifier] = struct{}{}
	after := len(act.identifiers)

	flagged = after > s.config.StuffingThreshold
	justFlagged = flagged && before <= s.config.StuffingThreshold
	if justFlagged {
		s.logger.Warn("credential stuffing suspected",
			slog.String("ip_address", ipAddress),
			slog.Int("distinct_identifiers", after))
	}
	return flagged, justFlagged
}

// CheckStatus reports the current lock state without modifying it.
func (s *LockoutService) CheckStatus(identifier string) models.LockoutStatus {
	mustIdentifier("identifier", identifier)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	status := models.LockoutStatus{Identifier: identifier}
	e, ok := s.entries[identifier]
	if !ok {
		return status
	}
	s.fillStatus(&status, e, now)
	return status
}

func (s *LockoutService) fillStatus(status *models.LockoutStatus, e *lockoutEntry, now time.Time) {
	status.LockoutCount = e.lockoutCount
	status.DistinctIPs = len(e.ips)
	if !e.lastFailure.IsZero() {
		last := e.lastFailure
		status.LastFailure = &last
		if now.Sub(e.lastFailure) <= s.config.AttemptWindow {
			status.FailedAttempts = e.failedAttempts
		}
	}
	if e.locked(now) {
		until := e.lockedUntil
		status.IsLocked = true
		status.LockedUntil = &until
		status.RetryAfter = until.Sub(now)
	}
}

// ClearOnSuccess forgets an identifier after a successful authentication.
// The IP index is left alone so spraying from a source stays visible.
func (s *LockoutService) ClearOnSuccess(identifier string) {
	mustIdentifier("identifier", identifier)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, identifier)
}

// AdminUnlock lifts an active lock and resets the attempt counter. The
// lockout count is kept so later lockouts keep escalating. It returns false
// if the identifier is unknown. Callers are expected to audit the unlock.
func (s *LockoutService) AdminUnlock(identifier, adminID string) bool {
	mustIdentifier("identifier", identifier)
	mustIdentifier("admin id", adminID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[identifier]
	if !ok {
		return false
	}
	wasLocked := e.locked(s.now())
	e.lockedUntil = time.Time{}
	e.failedAttempts = 0

	s.logger.Warn("account unlocked by admin",
		slog.String("identifier", pkglogger.SanitizedIdentifier(identifier)),
		slog.String("admin_id", adminID),
		slog.Bool("was_locked", wasLocked))
	return true
}

// IsCredentialStuffing reports whether ip has tried more distinct
// identifiers than the configured threshold.
func (s *LockoutService) IsCredentialStuffing(ipAddress string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	act, ok := s.byIP[ipAddress]
	return ok && len(act.identifiers) > s.config.StuffingThreshold
}

// DistinctIdentifiers returns how many identifiers ip has attempted.
func (s *LockoutService) DistinctIdentifiers(ipAddress string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if act, ok := s.byIP[ipAddress]; ok {
		return len(act.identifiers)
	}
	return 0
}

// LockedIdentifiers lists identifiers that are currently locked, soonest
// expiry first.
func (s *LockoutService) LockedIdentifiers() []models.LockoutStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	locked := make([]models.LockoutStatus, 0)
	for id, e := range s.entries {
		if !e.locked(now) {
			continue
		}
		status := models.LockoutStatus{Identifier: id}
		s.fillStatus(&status, e, now)
		locked = append(locked, status)
	}
	sort.Slice(locked, func(i, j int) bool {
		return locked[i].LockedUntil.Before(*locked[j].LockedUntil)
	})
	return locked
}

// Sweep removes unlocked entries and IP records idle for more than twice
// the attempt window.
func (s *LockoutService) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-2 * s.config.AttemptWindow)
	removed := 0
	for id, e := range s.entries {
		if !e.locked(now) && e.lastActivity().Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	for ip, act := range s.byIP {
		if act.lastSeen.Before(cutoff) {
			delete(s.byIP, ip)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("lockout sweep completed",
			slog.Int("removed", removed),
			slog.Int("identifiers", len(s.entries)),
			slog.Int("ips", len(s.byIP)))
	}
	return removed
}

// Stats returns lockout statistics.
func (s *LockoutService) Stats() models.LockoutStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := models.LockoutStats{
		TrackedIdentifiers: len(s.entries),
		TrackedIPs:         len(s.byIP),
	}
	for _, e := range s.entries {
		if e.locked(now) {
			stats.LockedIdentifiers++
		}
	}
	for _, act := range s.byIP {
		if len(act.identifiers) > s.config.StuffingThreshold {
			stats.SuspiciousIPs++
		}
	}
	return stats
}
