package services

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/google/uuid"
)

// suspiciousCreationWindow and suspiciousThreshold drive DetectSuspicious.
const (
	suspiciousCreationWindow = 5 * time.Minute
	suspiciousThreshold      = 3
)

// SessionConfig holds configuration for session security
type SessionConfig struct {
	MaxConcurrentSessions int
	IdleTimeout           time.Duration
	AbsoluteTimeout       time.Duration
	DeviceBinding         models.DeviceBindingPolicy
	MaxIPChanges          int // distinct IPs per session before it is flagged
}

// DefaultSessionConfig returns 5 concurrent sessions, 30m idle, 24h absolute,
// log-only device binding and 5 IPs per session.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxConcurrentSessions: 5,
		IdleTimeout:           30 * time.Minute,
		AbsoluteTimeout:       24 * time.Hour,
		DeviceBinding:         models.DeviceBindingLog,
		MaxIPChanges:          5,
	}
}

// SessionService issues, validates and evicts sessions.
type SessionService struct {
	mu       sync.Mutex
	config   SessionConfig
	sessions map[string]*models.Session
	byUser   map[string]map[string]struct{}
	now      clock
	logger   *slog.Logger
}

// NewSessionService creates a new SessionService. Zero fields fall back to
// the defaults.
func NewSessionService(config SessionConfig, logger *slog.Logger) *SessionService {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultSessionConfig()
	if config.MaxConcurrentSessions <= 0 {
		config.MaxConcurrentSessions = defaults.MaxConcurrentSessions
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.AbsoluteTimeout <= 0 {
		config.AbsoluteTimeout = defaults.AbsoluteTimeout
	}
	if config.DeviceBinding == "" {
		config.DeviceBinding = defaults.DeviceBinding
	}
	if _, err := models.ParseDeviceBindingPolicy(string(config.DeviceBinding)); err != nil {
		panic(err)
	}
	if config.MaxIPChanges <= 0 {
		config.MaxIPChanges = defaults.MaxIPChanges
	}

	return &SessionService{
		config:   config,
		sessions: make(map[string]*models.Session),
		byUser:   make(map[string]map[string]struct{}),
		now:      systemClock,
		logger:   logger,
	}
}

// SetClock replaces the time source.
func (s *SessionService) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Config returns the effective configuration.
func (s *SessionService) Config() SessionConfig {
	return s.config
}

// CreateSession admits a new session for userID. An empty sessionID gets a
// generated one and an empty fingerprint is derived from the user agent.
// If the user is at the concurrency cap the least recently active sessions
// are evicted and their ids returned.
func (s *SessionService) CreateSession(userID, sessionID, ipAddress, userAgent, fingerprint string) models.CreateSessionResult {
	mustIdentifier("user id", userID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if fingerprint == "" {
		fingerprint = DeviceFingerprint(userAgent)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; exists {
		panic(fmt.Sprintf("session %q already exists", sessionID))
	}

	now := s.now()
	active := s.activeForUser(userID, now)

	result := models.CreateSessionResult{TerminatedSessionIDs: []string{}}
	if len(active) >= s.config.MaxConcurrentSessions {
		sort.Slice(active, func(i, j int) bool {
			return active[i].LastActivity.Before(active[j].LastActivity)
		})
		for _, old := range active[:len(active)-s.config.MaxConcurrentSessions+1] {
			s.deactivate(old, models.SessionReasonEvicted, now)
			result.TerminatedSessionIDs = append(result.TerminatedSessionIDs, old.ID)
			s.logger.Info("session evicted",
				slog.String("session_id", old.ID),
				slog.String("user_id", userID),
				slog.Int("max_concurrent", s.config.MaxConcurrentSessions))
		}
	}

	sess := &models.Session{
		ID:           sessionID,
		UserID:       userID,
		Fingerprint:  fingerprint,
		UserAgent:    userAgent,
		IPAddress:    ipAddress,
		IPHistory:    []string{},
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	if ipAddress != "" {
		sess.IPHistory = append(sess.IPHistory, ipAddress)
	}
	s.sessions[sessionID] = sess
	ids, ok := s.byUser[userID]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[userID] = ids
	}
	ids[sessionID] = struct{}{}

	result.Session = sess.Clone()
	return result
}

// activeForUser expires timed-out sessions of userID and returns the rest.
// Caller holds mu.
func (s *SessionService) activeForUser(userID string, now time.Time) []*models.Session {
	var active []*models.Session
	for id := range s.byUser[userID] {
		sess := s.sessions[id]
		if !sess.Active {
			continue
		}
		if reason := s.expiredReason(sess, now); reason != "" {
			s.deactivate(sess, reason, now)
			continue
		}
		active = append(active, sess)
	}
	return active
}

// expiredReason returns the timeout a session has crossed, idle first.
func (s *SessionService) expiredReason(sess *models.Session, now time.Time) string {
	if now.Sub(sess.LastActivity) > s.config.IdleTimeout {
		return models.SessionReasonIdleTimeout
	}
	if now.Sub(sess.CreatedAt) > s.config.AbsoluteTimeout {
		return models.SessionReasonAbsoluteTimeout
	}
	return ""
}

func (s *SessionService) deactivate(sess *models.Session, reason string, now time.Time) {
	if !sess.Active {
		return
	}
	at := now
	sess.Active = false
	sess.DeactivatedAt = &at
	sess.EndReason = reason
}

// ValidateSession checks a session against the current request. Hints are
// the same client signals used when the fingerprint was computed.
func (s *SessionService) ValidateSession(sessionID, ipAddress, userAgent string, hints ...string) models.SessionValidation {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.SessionValidation{Reason: models.SessionReasonNotFound, ShouldTerminate: true}
	}
	if !sess.Active {
		return models.SessionValidation{Reason: models.SessionReasonInactive, ShouldTerminate: true, UserID: sess.UserID}
	}
	if reason := s.expiredReason(sess, now); reason != "" {
		s.deactivate(sess, reason, now)
		return models.SessionValidation{Reason: reason, ShouldTerminate: true, UserID: sess.UserID}
	}

	result := models.SessionValidation{Valid: true, UserID: sess.UserID}

	if s.config.DeviceBinding != models.DeviceBindingIgnore && DeviceFingerprint(userAgent, hints...) != sess.Fingerprint {
		result.FingerprintMismatch = true
		s.logger.Warn("session device fingerprint mismatch",
			slog.String("session_id", sess.ID),
			slog.String("user_id", sess.UserID),
			slog.String("policy", string(s.config.DeviceBinding)))
		if s.config.DeviceBinding == models.DeviceBindingTerminate {
			s.deactivate(sess, models.SessionReasonDeviceMismatch, now)
			result.Valid = false
			result.Reason = models.SessionReasonDeviceMismatch
			result.ShouldTerminate = true
			return result
		}
	}

	if ipAddress != "" && ipAddress != sess.IPAddress {
		result.IPChanged = true
		if !slices.Contains(sess.IPHistory, ipAddress) {
			sess.IPHistory = append(sess.IPHistory, ipAddress)
		}
		sess.IPAddress = ipAddress
	}
	if len(sess.IPHistory) > s.config.MaxIPChanges {
		result.ExcessiveIPChanges = true
		if result.IPChanged {
			s.logger.Warn("session excessive ip changes",
				slog.String("session_id", sess.ID),
				slog.String("user_id", sess.UserID),
				slog.Int("distinct_ips", len(sess.IPHistory)))
		}
	}

	sess.LastActivity = now
	return result
}

// Touch records activity on a live session. It returns false if the session
// is unknown, inactive or has timed out.
func (s *SessionService) Touch(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.Active {
		return false
	}
	if reason := s.expiredReason(sess, now); reason != "" {
		s.deactivate(sess, reason, now)
		return false
	}
	sess.LastActivity = now
	return true
}

// Terminate ends a session on logout. It returns false if the session was
// unknown or already inactive.
func (s *SessionService) Terminate(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || !sess.Active {
		return false
	}
	s.deactivate(sess, models.SessionReasonLogout, s.now())
	return true
}

// TerminateAllForUser ends every active session of userID and returns how
// many were ended.
func (s *SessionService) TerminateAllForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for id := range s.byUser[userID] {
		sess := s.sessions[id]
		if sess.Active {
			s.deactivate(sess, models.SessionReasonLogoutAll, now)
			count++
		}
	}
	if count > 0 {
		s.logger.Info("all sessions terminated",
			slog.String("user_id", userID),
			slog.Int("count", count))
	}
	return count
}

// DetectSuspicious looks across all of a user's sessions for signs of
// account sharing or takeover. The result is advisory.
func (s *SessionService) DetectSuspicious(userID, ipAddress, userAgent string) models.SuspiciousActivity {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ips := make(map[string]struct{})
	if ipAddress != "" {
		ips[ipAddress] = struct{}{}
	}
	for _, sess := range s.activeForUser(userID, now) {
		if sess.IPAddress != "" {
			ips[sess.IPAddress] = struct{}{}
		}
	}

	recent := 0
	for id := range s.byUser[userID] {
		if now.Sub(s.sessions[id].CreatedAt) <= suspiciousCreationWindow {
			recent++
		}
	}

	result := models.SuspiciousActivity{Reasons: []string{}}
	if len(ips) > suspiciousThreshold {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("active sessions from %d distinct IP addresses", len(ips)))
	}
	if recent > suspiciousThreshold {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("%d sessions created in the last %s", recent, suspiciousCreationWindow))
	}
	result.Suspicious = len(result.Reasons) > 0

	if result.Suspicious {
		s.logger.Warn("suspicious session activity",
			slog.String("user_id", userID),
			slog.String("ip_address", ipAddress),
			slog.String("fingerprint", DeviceFingerprint(userAgent)),
			slog.Any("reasons", result.Reasons))
	}
	return result
}

// GetSession returns a copy of a stored session.
func (s *SessionService) GetSession(sessionID string) (*models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

// UserSessions returns copies of the user's active sessions, most recently
// active first.
func (s *SessionService) UserSessions(userID string) []*models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeForUser(userID, s.now())
	sort.Slice(active, func(i, j int) bool {
		return active[i].LastActivity.After(active[j].LastActivity)
	})
	out := make([]*models.Session, 0, len(active))
	for _, sess := range active {
		out = append(out, sess.Clone())
	}
	return out
}

// Sweep deactivates timed-out sessions and removes sessions that have been
// inactive for longer than the idle timeout. It returns the number removed.
func (s *SessionService) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expired, removed := 0, 0
	for id, sess := range s.sessions {
		if sess.Active {
			if reason := s.expiredReason(sess, now); reason != "" {
				s.deactivate(sess, reason, now)
				expired++
			}
			continue
		}
		if sess.DeactivatedAt != nil && now.Sub(*sess.DeactivatedAt) > s.config.IdleTimeout {
			delete(s.sessions, id)
			if ids := s.byUser[sess.UserID]; ids != nil {
				delete(ids, id)
				if len(ids) == 0 {
					delete(s.byUser, sess.UserID)
				}
			}
			removed++
		}
	}

	if expired > 0 || removed > 0 {
		s.logger.Debug("session sweep completed",
			slog.Int("expired", expired),
			slog.Int("removed", removed),
			slog.Int("remaining", len(s.sessions)))
	}
	return removed
}

// Stats returns session statistics.
func (s *SessionService) Stats() models.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := models.SessionStats{TotalSessions: len(s.sessions)}
	users := make(map[string]struct{})
	for _, sess := range s.sessions {
		if sess.Active {
			stats.ActiveSessions++
			users[sess.UserID] = struct{}{}
		}
	}
	stats.Users = len(users)
	return stats
}
