package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/BradenHooton/propguard/pkg/auth"
)

// UserStore is the user persistence the admin surface needs.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	UpdateStatus(ctx context.Context, id string, status models.UserStatus) (*models.User, error)
}

// AdminService wraps operator actions so every one of them lands in the
// ledger.
type AdminService struct {
	limiter  *RateLimitService
	lockout  *LockoutService
	sessions *SessionService
	ledger   *AuditService
	users    UserStore
	hashCost int
	logger   *slog.Logger
}

// NewAdminService creates the operator facade.
func NewAdminService(limiter *RateLimitService, lockout *LockoutService, sessions *SessionService, ledger *AuditService, users UserStore, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminService{
		limiter:  limiter,
		lockout:  lockout,
		sessions: sessions,
		ledger:   ledger,
		users:    users,
		hashCost: auth.BcryptCost,
		logger:   logger,
	}
}

// SetPasswordCost overrides the bcrypt cost for new users.
func (s *AdminService) SetPasswordCost(cost int) {
	s.hashCost = cost
}

// Unlock lifts a lock. It returns false for unknown identifiers.
func (s *AdminService) Unlock(identifier string, actx models.AuditContext) bool {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if !s.lockout.AdminUnlock(identifier, actx.UserID) {
		return false
	}
	status := s.lockout.CheckStatus(identifier)
	s.ledger.Record(models.AuditActionAccountUnlocked, actx, models.LockoutPayload{
		Identifier:   identifier,
		LockoutCount: status.LockoutCount,
		AdminID:      actx.UserID,
	})
	return true
}

// LockoutStatus reports the state of one identifier.
func (s *AdminService) LockoutStatus(identifier string) models.LockoutStatus {
	return s.lockout.CheckStatus(strings.ToLower(strings.TrimSpace(identifier)))
}

// LockedIdentifiers lists currently locked identifiers.
func (s *AdminService) LockedIdentifiers() []models.LockoutStatus {
	return s.lockout.LockedIdentifiers()
}

// StuffingReport is the credential stuffing view of one source IP.
type StuffingReport struct {
	IPAddress           string `json:"ip_address"`
	Flagged             bool   `json:"flagged"`
	DistinctIdentifiers int    `json:"distinct_identifiers"`
}

// CredentialStuffing reports whether ip is flagged.
func (s *AdminService) CredentialStuffing(ip string) StuffingReport {
	return StuffingReport{
		IPAddress:           ip,
		Flagged:             s.lockout.IsCredentialStuffing(ip),
		DistinctIdentifiers: s.lockout.DistinctIdentifiers(ip),
	}
}

// QueryAudit searches the ledger.
func (s *AdminService) QueryAudit(filter models.AuditFilter) models.AuditQueryResult {
	return s.ledger.Query(filter)
}

// VerifyAudit checks the chain and records a critical entry when it is
// broken.
func (s *AdminService) VerifyAudit(actx models.AuditContext) models.IntegrityReport {
	report := s.ledger.VerifyIntegrity()
	if !report.Valid {
		s.ledger.Record(models.AuditActionIntegrityCheckFailed, actx, models.EntityPayload{
			EntityType: "audit_entry",
			EntityID:   report.BrokenAtID,
			Note:       report.Reason,
		})
	}
	return report
}

// Overview aggregates component stats for operators.
type Overview struct {
	Limiter  models.RateLimitStats `json:"limiter"`
	Lockout  models.LockoutStats   `json:"lockout"`
	Sessions models.SessionStats   `json:"sessions"`
	Audit    models.AuditStats     `json:"audit"`
}

// Stats returns the overview.
func (s *AdminService) Stats() Overview {
	return Overview{
		Limiter:  s.limiter.Stats(),
		Lockout:  s.lockout.Stats(),
		Sessions: s.sessions.Stats(),
		Audit:    s.ledger.Stats(),
	}
}

// UserSessions lists a user's active sessions.
func (s *AdminService) UserSessions(userID string) []*models.Session {
	return s.sessions.UserSessions(userID)
}

// TerminateSession ends one session on behalf of an operator.
func (s *AdminService) TerminateSession(sessionID string, actx models.AuditContext) bool {
	sess, ok := s.sessions.GetSession(sessionID)
	if !ok || !s.sessions.Terminate(sessionID) {
		return false
	}
	s.ledger.Record(models.AuditActionSessionTerminated, actx, models.SessionPayload{
		SessionID: sessionID,
		Reason:    "admin:" + sess.UserID,
	})
	return true
}

// TerminateUserSessions ends every session of a user.
func (s *AdminService) TerminateUserSessions(userID string, actx models.AuditContext) int {
	n := s.sessions.TerminateAllForUser(userID)
	s.ledger.Record(models.AuditActionSessionTerminated, actx, models.SessionPayload{
		Reason: models.SessionReasonLogoutAll,
		Count:  n,
	})
	return n
}

// ResetLimit clears limiter state for a key.
func (s *AdminService) ResetLimit(rule, identifier, subKey string, actx models.AuditContext) bool {
	if !s.limiter.Reset(rule, identifier, subKey) {
		return false
	}
	s.ledger.Record(models.AuditActionSettingsChanged, actx, models.EntityPayload{
		EntityType: "rate_limit",
		EntityID:   limiterKey(rule, identifier, subKey),
		Note:       "reset",
	})
	return true
}

// CreateUser provisions a user with a policy-checked password.
func (s *AdminService) CreateUser(ctx context.Context, email, name, password string, actx models.AuditContext) (*models.User, error) {
	if err := auth.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBadRequest, err)
	}
	hash, err := auth.HashPasswordWithCost(password, s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.users.Create(ctx, &models.User{
		Email:        strings.ToLower(strings.TrimSpace(email)),
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
	})
	if err != nil {
		return nil, err
	}

	s.ledger.RecordChange(models.AuditActionEntityCreated, actx, "user", user.ID, nil, user.Snapshot())
	s.logger.Info("user created", slog.String("user_id", user.ID))
	return user, nil
}

// SetUserStatus changes a user's status. Leaving active ends the user's
// sessions.
func (s *AdminService) SetUserStatus(ctx context.Context, userID string, status models.UserStatus, actx models.AuditContext) (*models.User, error) {
	before, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	after, err := s.users.UpdateStatus(ctx, userID, status)
	if err != nil {
		return nil, err
	}

	s.ledger.RecordChange(models.AuditActionEntityUpdated, actx, "user", userID, before.Snapshot(), after.Snapshot())
	if status != models.UserStatusActive {
		if n := s.sessions.TerminateAllForUser(userID); n > 0 {
			s.ledger.Record(models.AuditActionSessionTerminated, actx, models.SessionPayload{
				Reason: "user_" + string(status),
				Count:  n,
			})
		}
	}
	return after, nil
}
