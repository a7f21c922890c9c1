package services

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	pkglogger "github.com/BradenHooton/propguard/pkg/logger"
)

// maxPenaltyFactor caps how many windows a single penalty can span
// (before PenaltyMultiplier is applied).
const maxPenaltyFactor = 5

type windowHit struct {
	at   time.Time
	cost int
}

// windowEntry is the per-key sliding window state.
type windowEntry struct {
	window       time.Duration
	hits         []windowHit // oldest first
	weight       int         // sum of hits[i].cost
	violations   int
	penaltyUntil time.Time
	lastSeen     time.Time
}

// purge drops hits at or before windowStart.
func (e *windowEntry) purge(windowStart time.Time) {
	i := 0
	for i < len(e.hits) && !e.hits[i].at.After(windowStart) {
		e.weight -= e.hits[i].cost
		i++
	}
	if i > 0 {
		e.hits = append(e.hits[:0], e.hits[i:]...)
	}
}

// RateLimitService is a cost-aware sliding window limiter with burst
// allowance and escalating penalties.
type RateLimitService struct {
	mu        sync.Mutex
	entries   map[string]*windowEntry
	rules     map[string]models.RateLimitRule
	maxWindow time.Duration
	now       clock
	logger    *slog.Logger

	totalAllowed   int64
	totalRejected  int64
	totalPenalties int64
}

// NewRateLimitService creates a limiter with a set of named rules. It panics
// if any rule is invalid.
func NewRateLimitService(rules []models.RateLimitRule, logger *slog.Logger) *RateLimitService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RateLimitService{
		entries: make(map[string]*windowEntry),
		rules:   make(map[string]models.RateLimitRule),
		now:     systemClock,
		logger:  logger,
	}
	for _, r := range rules {
		mustValidateRule(r)
		s.rules[r.Name] = r
		if r.Window > s.maxWindow {
			s.maxWindow = r.Window
		}
	}
	return s
}

// SetClock replaces the time source.
func (s *RateLimitService) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Rule returns a registered rule by name.
func (s *RateLimitService) Rule(name string) (models.RateLimitRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[name]
	return r, ok
}

// CheckNamed runs Check against a registered rule. Unknown rule names panic.
func (s *RateLimitService) CheckNamed(ruleName, identifier string, cost int, subKey string) models.LimitResult {
	rule, ok := s.Rule(ruleName)
	if !ok {
		panic("rate limit rule not registered: " + ruleName)
	}
	return s.Check(rule, identifier, cost, subKey)
}

// Check admits or rejects one request of the given cost. A cost of 0 counts
// as 1. Invalid rules, empty identifiers and negative costs panic.
func (s *RateLimitService) Check(rule models.RateLimitRule, identifier string, cost int, subKey string) models.LimitResult {
	mustIdentifier("identifier", identifier)
	if cost < 0 {
		panic("rate limit cost must not be negative")
	}
	if cost == 0 {
		cost = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureRule(rule)
	now := s.now()

	key := limiterKey(rule.Name, identifier, subKey)
	e, ok := s.entries[key]
	if !ok {
		e = &windowEntry{window: rule.Window}
		s.entries[key] = e
	}
	e.window = rule.Window
	e.lastSeen = now
	e.purge(now.Add(-rule.Window))

	if e.penaltyUntil.After(now) {
		s.totalRejected++
		until := e.penaltyUntil
		return models.LimitResult{
			Allowed:           false,
			Remaining:         0,
			ResetAt:           until,
			RetryAfterSeconds: retrySeconds(until.Sub(now)),
			Penalized:         true,
			ViolationCount:    e.violations,
			PenaltyUntil:      &until,
		}
	}

	unit := rule.UnitCost()
	capacity := rule.Capacity()
	newUsage := (e.weight + cost) * unit

	if newUsage <= capacity {
		e.hits = append(e.hits, windowHit{at: now, cost: cost})
		e.weight += cost
		if e.violations > 0 && newUsage*2 < rule.MaxRequests*unit {
			e.violations--
		}
		s.totalAllowed++
		return models.LimitResult{
			Allowed:        true,
			Remaining:      (capacity - newUsage) / unit,
			ResetAt:        e.hits[0].at.Add(rule.Window),
			ViolationCount: e.violations,
		}
	}

	e.violations++
	s.totalRejected++

	result := models.LimitResult{
		Allowed:        false,
		Remaining:      max(0, (capacity-e.weight*unit)/unit),
		ViolationCount: e.violations,
	}
	if len(e.hits) > 0 {
		result.ResetAt = e.hits[0].at.Add(rule.Window)
	} else {
		result.ResetAt = now.Add(rule.Window)
	}
	result.RetryAfterSeconds = retrySeconds(result.ResetAt.Sub(now))

	if rule.PenaltyMultiplier > 0 && e.violations >= 2 {
		factor := min(e.violations-1, maxPenaltyFactor)
		penalty := time.Duration(float64(rule.Window) * rule.PenaltyMultiplier * float64(factor))
		e.penaltyUntil = now.Add(penalty)
		s.totalPenalties++

		until := e.penaltyUntil
		result.Penalized = true
		result.PenaltyApplied = true
		result.PenaltyUntil = &until
		result.ResetAt = until
		result.RetryAfterSeconds = retrySeconds(penalty)

		s.logger.Warn("rate limit penalty applied",
			slog.String("rule", rule.Name),
			slog.String("identifier", pkglogger.SanitizedIdentifier(identifier)),
			slog.Int("violations", e.violations),
			slog.Duration("penalty", penalty))
	}

	return result
}

// Reset forgets all state for one key.
func (s *RateLimitService) Reset(ruleName, identifier, subKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := limiterKey(ruleName, identifier, subKey)
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Sweep removes keys that have no hits inside their window, no active
// penalty, and no activity for twice the largest configured window.
func (s *RateLimitService) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	idleCutoff := now.Add(-2 * s.maxWindow)
	removed := 0
	for key, e := range s.entries {
		e.purge(now.Add(-e.window))
		if len(e.hits) == 0 && e.lastSeen.Before(idleCutoff) && !e.penaltyUntil.After(now) {
			delete(s.entries, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("rate limiter sweep completed",
			slog.Int("removed", removed),
			slog.Int("remaining", len(s.entries)))
	}
	return removed
}

// Stats returns limiter statistics.
func (s *RateLimitService) Stats() models.RateLimitStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stats := models.RateLimitStats{
		TrackedKeys:    len(s.entries),
		TotalAllowed:   s.totalAllowed,
		TotalRejected:  s.totalRejected,
		TotalPenalties: s.totalPenalties,
	}
	for _, e := range s.entries {
		if e.penaltyUntil.After(now) {
			stats.PenalizedKeys++
		}
	}
	return stats
}

// ensureRule validates and registers ad-hoc rules. A name already bound to
// different values panics, since both rules would share one key space.
// Caller holds mu.
func (s *RateLimitService) ensureRule(rule models.RateLimitRule) {
	if known, ok := s.rules[rule.Name]; ok {
		if known != rule {
			panic("rate limit rule " + rule.Name + " conflicts with the registered rule of that name")
		}
		return
	}
	mustValidateRule(rule)
	s.rules[rule.Name] = rule
	if rule.Window > s.maxWindow {
		s.maxWindow = rule.Window
	}
}

func limiterKey(ruleName, identifier, subKey string) string {
	if subKey == "" {
		return ruleName + "|" + identifier
	}
	return ruleName + "|" + identifier + "|" + subKey
}

// retrySeconds rounds a wait up to whole seconds, never below one.
func retrySeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
