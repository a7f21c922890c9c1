package services_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/BradenHooton/propguard/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	users     map[string]*models.User
	passwords map[string]string
	err       error
	calls     int
}

func (f *fakeVerifier) VerifyCredentials(_ context.Context, email, password string) (*models.User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[email]
	if !ok || f.passwords[email] != password {
		return nil, models.ErrUnauthorized
	}
	if u.Status != models.UserStatusActive {
		return nil, models.ErrForbidden
	}
	return u, nil
}

type countingObserver struct {
	limits, failures, created, rejected int
}

func (o *countingObserver) ObserveLimit(string, models.LimitResult)          { o.limits++ }
func (o *countingObserver) ObserveFailedAttempt(models.LockoutResult)        { o.failures++ }
func (o *countingObserver) ObserveSessionCreated(models.CreateSessionResult) { o.created++ }
func (o *countingObserver) ObserveSessionValidation(v models.SessionValidation) {
	if !v.Valid {
		o.rejected++
	}
}

type authHarness struct {
	auth     *services.AuthService
	sessions *services.SessionService
	lockout  *services.LockoutService
	ledger   *services.AuditService
	users    *fakeVerifier
	observer *countingObserver
	clk      *services.FakeClock
}

func newAuthHarness(t *testing.T, loginMax int, mutateSessions ...func(*services.SessionConfig)) *authHarness {
	t.Helper()
	logger := quietLogger()
	clk := services.NewFakeClock(testStart)

	limiter := services.NewRateLimitService([]models.RateLimitRule{
		{Name: models.RuleLogin, Window: time.Minute, MaxRequests: loginMax},
	}, logger)
	limiter.SetClock(clk.Now)

	lockout := services.NewLockoutService(services.DefaultLockoutConfig(), logger)
	lockout.SetClock(clk.Now)

	scfg := services.DefaultSessionConfig()
	for _, m := range mutateSessions {
		m(&scfg)
	}
	sessions := services.NewSessionService(scfg, logger)
	sessions.SetClock(clk.Now)

	ledger := services.NewAuditService(services.DefaultAuditConfig(), logger)
	ledger.SetClock(clk.Now)

	users := &fakeVerifier{
		users: map[string]*models.User{
			"alice@example.com": {ID: "user-alice", Email: "alice@example.com", Status: models.UserStatusActive},
			"bob@example.com":   {ID: "user-bob", Email: "bob@example.com", Status: models.UserStatusSuspended},
		},
		passwords: map[string]string{
			"alice@example.com": "correct horse",
			"bob@example.com":   "battery staple",
		},
	}

	observer := &countingObserver{}
	svc := services.NewAuthService(limiter, lockout, sessions, ledger, users, logger)
	svc.SetObserver(observer)

	return &authHarness{
		auth:     svc,
		sessions: sessions,
		lockout:  lockout,
		ledger:   ledger,
		users:    users,
		observer: observer,
		clk:      clk,
	}
}

func (h *authHarness) count(action models.AuditAction) int {
	return h.ledger.Query(models.AuditFilter{Action: action}).Total
}

func TestAuthService_LoginSuccess(t *testing.T) {
	h := newAuthHarness(t, 10)

	res, err := h.auth.Login(context.Background(), "  Alice@Example.com ", "correct horse", "1.1.1.1", testUA)
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, "user-alice", res.User.ID)
	assert.Equal(t, "user-alice", res.Session.UserID)

	v := h.auth.Authenticate(res.Session.ID, "1.1.1.1", testUA)
	assert.True(t, v.Valid)

	assert.Equal(t, 1, h.count(models.AuditActionLogin))
	assert.Equal(t, 1, h.count(models.AuditActionSessionCreated))
	assert.Equal(t, 1, h.observer.limits)
	assert.Equal(t, 1, h.observer.created)
	assert.True(t, h.ledger.VerifyIntegrity().Valid)
}

func TestAuthService_LockoutAfterRepeatedFailures(t *testing.T) {
	h := newAuthHarness(t, 100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := h.auth.Login(ctx, "alice@example.com", "wrong", "1.1.1.1", testUA)
		require.ErrorIs(t, err, models.ErrUnauthorized)
		h.clk.Advance(20 * time.Second)
	}

	_, err := h.auth.Login(ctx, "alice@example.com", "wrong", "1.1.1.1", testUA)
	require.ErrorIs(t, err, models.ErrAccountLocked)
	var retry *services.RetryError
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, 5*time.Minute, retry.RetryAfter)
	assert.Equal(t, 1, h.count(models.AuditActionAccountLocked))
	assert.Equal(t, 5, h.count(models.AuditActionLoginFailed))

	calls := h.users.calls
	h.clk.Advance(3 * time.Second)
	_, err = h.auth.Login(ctx, "alice@example.com", "correct horse", "1.1.1.1", testUA)
	require.ErrorIs(t, err, models.ErrAccountLocked)
	require.True(t, errors.As(err, &retry))
	assert.Equal(t, 5*time.Minute-3*time.Second, retry.RetryAfter)
	assert.Equal(t, calls, h.users.calls, "locked accounts are not verified")
	assert.Equal(t, 1, h.count(models.AuditActionAccountLocked))
}

func TestAuthService_SuccessClearsFailures(t *testing.T) {
	h := newAuthHarness(t, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = h.auth.Login(ctx, "alice@example.com", "wrong", "1.1.1.1", testUA)
	}
	_, err := h.auth.Login(ctx, "alice@example.com", "correct horse", "1.1.1.1", testUA)
	require.NoError(t, err)

	assert.Equal(t, 0, h.lockout.CheckStatus("alice@example.com").FailedAttempts)
}

func TestAuthService_RateLimited(t *testing.T) {
	h := newAuthHarness(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.auth.Login(ctx, "alice@example.com", "wrong", "9.9.9.9", testUA)
		require.ErrorIs(t, err, models.ErrUnauthorized)
	}

	calls := h.users.calls
	_, err := h.auth.Login(ctx, "alice@example.com", "correct horse", "9.9.9.9", testUA)
	require.ErrorIs(t, err, models.ErrRateLimitExceeded)
	var retry *services.RetryError
	require.True(t, errors.As(err, &retry))
	assert.Greater(t, retry.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, retry.RetryAfter, time.Minute)
	assert.Equal(t, calls, h.users.calls)
	assert.Equal(t, 1, h.count(models.AuditActionRateLimitExceeded))

	_, err = h.auth.Login(ctx, "alice@example.com", "correct horse", "8.8.8.8", testUA)
	assert.NoError(t, err, "other sources are unaffected")
}

func TestAuthService_InactiveAccountLooksLikeBadPassword(t *testing.T) {
	h := newAuthHarness(t, 100)

	_, err := h.auth.Login(context.Background(), "bob@example.com", "battery staple", "1.1.1.1", testUA)
	require.ErrorIs(t, err, models.ErrUnauthorized)

	res := h.ledger.Query(models.AuditFilter{Action: models.AuditActionLoginFailed})
	require.Equal(t, 1, res.Total)
	payload, ok := res.Entries[0].Data.(models.AuthPayload)
	require.True(t, ok)
	assert.Equal(t, "account_inactive", payload.Reason)
	assert.Equal(t, 1, h.lockout.CheckStatus("bob@example.com").FailedAttempts)
}

func TestAuthService_VerifierErrorDenies(t *testing.T) {
	h := newAuthHarness(t, 100)
	h.users.err = errors.New("connection refused")

	_, err := h.auth.Login(context.Background(), "alice@example.com", "correct horse", "1.1.1.1", testUA)
	require.ErrorIs(t, err, models.ErrInternalServer)
	assert.Equal(t, 0, h.lockout.CheckStatus("alice@example.com").FailedAttempts)
	assert.Empty(t, h.sessions.UserSessions("user-alice"))
}

func TestAuthService_CredentialStuffingAuditedOnce(t *testing.T) {
	h := newAuthHarness(t, 100)
	ctx := context.Background()

	for i := 0; i < 13; i++ {
		_, _ = h.auth.Login(ctx, fmt.Sprintf("victim%d@example.com", i), "guess", "6.6.6.6", testUA)
	}

	assert.Equal(t, 1, h.count(models.AuditActionCredentialStuffing))
	assert.Equal(t, 13, h.observer.failures)
}

func TestAuthService_EvictionsAreAudited(t *testing.T) {
	h := newAuthHarness(t, 100, func(c *services.SessionConfig) { c.MaxConcurrentSessions = 1 })
	ctx := context.Background()

	first, err := h.auth.Login(ctx, "alice@example.com", "correct horse", "1.1.1.1", testUA)
	require.NoError(t, err)
	h.clk.Advance(time.Second)
	second, err := h.auth.Login(ctx, "alice@example.com", "correct horse", "1.1.1.1", testUA)
	require.NoError(t, err)

	assert.Equal(t, []string{first.Session.ID}, second.TerminatedSessionIDs)
	assert.Equal(t, 1, h.count(models.AuditActionSessionEvicted))
	assert.False(t, h.auth.Authenticate(first.Session.ID, "1.1.1.1", testUA).Valid)
}

func TestAuthService_AuthenticateAuditsExpiryOnce(t *testing.T) {
	h := newAuthHarness(t, 100)

	res, err := h.auth.Login(context.Background(), "alice@example.com", "correct horse", "1.1.1.1", testUA)
	require.NoError(t, err)

	h.clk.Advance(31 * time.Minute)
	v := h.auth.Authenticate(res.Session.ID, "1.1.1.1", testUA)
	assert.False(t, v.Valid)
	assert.Equal(t, models.SessionReasonIdleTimeout, v.Reason)

	v = h.auth.Authenticate(res.Session.ID, "1.1.1.1", testUA)
	assert.Equal(t, models.SessionReasonInactive, v.Reason)

	assert.Equal(t, 1, h.count(models.AuditActionSessionExpired))
	assert.Equal(t, 2, h.observer.rejected)
}

func TestAuthService_AuthenticateEmptyID(t *testing.T) {
	h := newAuthHarness(t, 100)

	v := h.auth.Authenticate("", "1.1.1.1", testUA)
	assert.False(t, v.Valid)
	assert.Equal(t, models.SessionReasonNotFound, v.Reason)
}

func TestAuthService_LogoutAndLogoutAll(t *testing.T) {
	h := newAuthHarness(t, 100)
	ctx := context.Background()

	a, err := h.auth.Login(ctx, "alice@example.com", "correct horse", "1.1.1.1", testUA)
	require.NoError(t, err)
	_, err = h.auth.Login(ctx, "alice@example.com", "correct horse", "1.1.1.2", testUA)
	require.NoError(t, err)
	_, err = h.auth.Login(ctx, "alice@example.com", "correct horse", "1.1.1.3", testUA)
	require.NoError(t, err)

	actx := models.AuditContext{UserID: "user-alice"}
	assert.True(t, h.auth.Logout(a.Session.ID, actx))
	assert.False(t, h.auth.Logout(a.Session.ID, actx))
	assert.Equal(t, 2, h.auth.LogoutAll("user-alice", actx))

	assert.Equal(t, 1, h.count(models.AuditActionLogout))
	assert.Equal(t, 1, h.count(models.AuditActionLogoutAll))
	assert.Empty(t, h.sessions.UserSessions("user-alice"))
}
