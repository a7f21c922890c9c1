package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	pkglogger "github.com/BradenHooton/propguard/pkg/logger"
)

// CredentialVerifier checks a password for an email. Implementations return
// models.ErrUnauthorized for bad credentials and models.ErrForbidden for
// accounts that may not log in.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, email, password string) (*models.User, error)
}

// Observer receives decision outcomes, typically for metrics.
type Observer interface {
	ObserveLimit(rule string, res models.LimitResult)
	ObserveFailedAttempt(res models.LockoutResult)
	ObserveSessionCreated(res models.CreateSessionResult)
	ObserveSessionValidation(v models.SessionValidation)
}

type noopObserver struct{}

func (noopObserver) ObserveLimit(string, models.LimitResult)           {}
func (noopObserver) ObserveFailedAttempt(models.LockoutResult)         {}
func (noopObserver) ObserveSessionCreated(models.CreateSessionResult)  {}
func (noopObserver) ObserveSessionValidation(models.SessionValidation) {}

// RetryError is a denial that carries a retry-after hint.
type RetryError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// LoginResult is returned for a successful login.
type LoginResult struct {
	User                 *models.User    `json:"user"`
	Session              *models.Session `json:"session"`
	TerminatedSessionIDs []string        `json:"terminated_session_ids,omitempty"`
	Suspicious           []string        `json:"suspicious_signals,omitempty"`
}

// AuthService sequences the protection components for the login flow. The
// components never call each other; this is the only place they meet.
type AuthService struct {
	limiter  *RateLimitService
	lockout  *LockoutService
	sessions *SessionService
	ledger   *AuditService
	users    CredentialVerifier
	observer Observer
	logger   *slog.Logger
}

// NewAuthService creates a login orchestrator.
func NewAuthService(limiter *RateLimitService, lockout *LockoutService, sessions *SessionService, ledger *AuditService, users CredentialVerifier, logger *slog.Logger) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthService{
		limiter:  limiter,
		lockout:  lockout,
		sessions: sessions,
		ledger:   ledger,
		users:    users,
		observer: noopObserver{},
		logger:   logger,
	}
}

// SetObserver installs a decision observer.
func (s *AuthService) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	s.observer = o
}

// Login authenticates a user and opens a session. Denials are returned as
// errors wrapping models.ErrRateLimitExceeded, models.ErrAccountLocked or
// models.ErrUnauthorized; rate and lock denials are *RetryError.
func (s *AuthService) Login(ctx context.Context, email, password, ipAddress, userAgent string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || ipAddress == "" {
		return nil, models.ErrUnauthorized
	}
	actx := models.AuditContext{IPAddress: ipAddress, UserAgent: userAgent}

	limit := s.limiter.CheckNamed(models.RuleLogin, ipAddress, 1, "")
	s.observer.ObserveLimit(models.RuleLogin, limit)
	if !limit.Allowed {
		s.recordLimitDenial(models.RuleLogin, ipAddress, limit, actx)
		return nil, &RetryError{Err: models.ErrRateLimitExceeded, RetryAfter: limit.RetryAfter()}
	}

	if status := s.lockout.CheckStatus(email); status.IsLocked {
		s.ledger.Record(models.AuditActionLoginFailed, actx, models.AuthPayload{
			Identifier: email,
			Reason:     "account_locked",
		})
		return nil, &RetryError{Err: models.ErrAccountLocked, RetryAfter: status.RetryAfter}
	}

	user, err := s.users.VerifyCredentials(ctx, email, password)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrUnauthorized), errors.Is(err, models.ErrForbidden):
		return nil, s.recordFailure(email, ipAddress, err, actx)
	default:
		s.logger.Error("credential verification failed", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.lockout.ClearOnSuccess(email)
	actx.UserID = user.ID

	suspicious := s.sessions.DetectSuspicious(user.ID, ipAddress, userAgent)
	if suspicious.Suspicious {
		s.ledger.Record(models.AuditActionSuspiciousActivity, actx, models.SessionPayload{
			Signals: suspicious.Reasons,
		})
	}

	created := s.sessions.CreateSession(user.ID, "", ipAddress, userAgent, "")
	s.observer.ObserveSessionCreated(created)

	s.ledger.Record(models.AuditActionLogin, actx, models.AuthPayload{
		Identifier: email,
		SessionID:  created.Session.ID,
	})
	s.ledger.Record(models.AuditActionSessionCreated, actx, models.SessionPayload{
		SessionID: created.Session.ID,
	})
	for _, id := range created.TerminatedSessionIDs {
		s.ledger.Record(models.AuditActionSessionEvicted, actx, models.SessionPayload{
			SessionID: id,
			Reason:    models.SessionReasonEvicted,
		})
	}

	s.logger.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("session_id", created.Session.ID))

	return &LoginResult{
		User:                 user,
		Session:              created.Session,
		TerminatedSessionIDs: created.TerminatedSessionIDs,
		Suspicious:           suspicious.Reasons,
	}, nil
}

// recordFailure feeds the lockout policy and audits what it reports. Inactive
// accounts are indistinguishable from bad passwords to the caller.
func (s *AuthService) recordFailure(email, ipAddress string, cause error, actx models.AuditContext) error {
	reason := "invalid_credentials"
	if errors.Is(cause, models.ErrForbidden) {
		reason = "account_inactive"
	}

	res := s.lockout.RecordFailedAttempt(email, ipAddress)
	s.observer.ObserveFailedAttempt(res)

	s.ledger.Record(models.AuditActionLoginFailed, actx, models.AuthPayload{
		Identifier: email,
		Reason:     reason,
	})
	if res.JustLocked {
		s.ledger.Record(models.AuditActionAccountLocked, actx, models.LockoutPayload{
			Identifier:     email,
			LockoutCount:   res.LockoutCount,
			FailedAttempts: res.FailedAttempts,
			LockedUntil:    res.LockedUntil,
			DurationSecs:   int64(res.RetryAfter / time.Second),
			SourceIP:       ipAddress,
		})
	}
	if res.SourceJustFlagged {
		s.ledger.Record(models.AuditActionCredentialStuffing, actx, models.LockoutPayload{
			Identifier: email,
			SourceIP:   ipAddress,
		})
	}

	s.logger.Info("login failed",
		slog.String("identifier", pkglogger.SanitizedIdentifier(email)),
		slog.String("reason", reason),
		slog.Int("remaining_attempts", res.RemainingAttempts))

	if res.IsLocked {
		return &RetryError{Err: models.ErrAccountLocked, RetryAfter: res.RetryAfter}
	}
	return models.ErrUnauthorized
}

func (s *AuthService) recordLimitDenial(rule, identifier string, res models.LimitResult, actx models.AuditContext) {
	action := models.AuditActionRateLimitExceeded
	if res.PenaltyApplied {
		action = models.AuditActionRateLimitPenalty
	}
	s.ledger.Record(action, actx, models.RateLimitPayload{
		Rule:           rule,
		Identifier:     identifier,
		ViolationCount: res.ViolationCount,
		PenaltyUntil:   res.PenaltyUntil,
		RetryAfterSecs: res.RetryAfterSeconds,
	})
}

// CheckLimit applies a named rule outside the login flow and audits
// rejections.
func (s *AuthService) CheckLimit(rule, identifier string, cost int, subKey string, actx models.AuditContext) models.LimitResult {
	res := s.limiter.CheckNamed(rule, identifier, cost, subKey)
	s.observer.ObserveLimit(rule, res)
	if !res.Allowed {
		s.recordLimitDenial(rule, identifier, res, actx)
	}
	return res
}

// Authenticate validates a session for a request. Sessions that end here
// because of a timeout or device binding are audited once.
func (s *AuthService) Authenticate(sessionID, ipAddress, userAgent string) models.SessionValidation {
	if sessionID == "" {
		return models.SessionValidation{Reason: models.SessionReasonNotFound, ShouldTerminate: true}
	}

	v := s.sessions.ValidateSession(sessionID, ipAddress, userAgent)
	s.observer.ObserveSessionValidation(v)

	actx := models.AuditContext{UserID: v.UserID, IPAddress: ipAddress, UserAgent: userAgent}
	switch v.Reason {
	case models.SessionReasonIdleTimeout, models.SessionReasonAbsoluteTimeout:
		s.ledger.Record(models.AuditActionSessionExpired, actx, models.SessionPayload{
			SessionID: sessionID,
			Reason:    v.Reason,
		})
	case models.SessionReasonDeviceMismatch:
		s.ledger.Record(models.AuditActionSessionTerminated, actx, models.SessionPayload{
			SessionID: sessionID,
			Reason:    v.Reason,
		})
	}
	if v.Valid && v.ExcessiveIPChanges && v.IPChanged {
		s.ledger.Record(models.AuditActionSuspiciousActivity, actx, models.SessionPayload{
			SessionID: sessionID,
			Signals:   []string{"excessive_ip_changes"},
		})
	}
	return v
}

// Logout ends one session.
func (s *AuthService) Logout(sessionID string, actx models.AuditContext) bool {
	if !s.sessions.Terminate(sessionID) {
		return false
	}
	s.ledger.Record(models.AuditActionLogout, actx, models.SessionPayload{
		SessionID: sessionID,
		Reason:    models.SessionReasonLogout,
	})
	return true
}

// LogoutAll ends every active session of a user.
func (s *AuthService) LogoutAll(userID string, actx models.AuditContext) int {
	n := s.sessions.TerminateAllForUser(userID)
	s.ledger.Record(models.AuditActionLogoutAll, actx, models.SessionPayload{
		Reason: models.SessionReasonLogoutAll,
		Count:  n,
	})
	return n
}

// Session returns a copy of a session.
func (s *AuthService) Session(sessionID string) (*models.Session, bool) {
	return s.sessions.GetSession(sessionID)
}
