package services_test

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/BradenHooton/propguard/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T, rules ...models.RateLimitRule) (*services.RateLimitService, *services.FakeClock) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	clk := services.NewFakeClock(testStart)
	limiter := services.NewRateLimitService(rules, logger)
	limiter.SetClock(clk.Now)
	return limiter, clk
}

func loginRule() models.RateLimitRule {
	return models.RateLimitRule{Name: "login", Window: time.Minute, MaxRequests: 5}
}

func TestRateLimitServiceCheck_AllowsUpToLimitThenDenies(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	rule := loginRule()

	for i := 0; i < 5; i++ {
		res := limiter.Check(rule, "10.0.0.1", 1, "")
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 4-i, res.Remaining)
	}

	res := limiter.Check(rule, "10.0.0.1", 1, "")
	assert.False(t, res.Allowed)
	assert.False(t, res.Penalized)
	assert.Greater(t, res.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, res.RetryAfterSeconds, int(rule.Window/time.Second))
}

func TestRateLimitServiceCheck_SlidesAfterWindow(t *testing.T) {
	limiter, clk := newTestLimiter(t)
	rule := loginRule()

	for i := 0; i < 5; i++ {
		require.True(t, limiter.Check(rule, "u1", 1, "").Allowed)
	}
	require.False(t, limiter.Check(rule, "u1", 1, "").Allowed)

	clk.Advance(rule.Window + time.Millisecond)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Check(rule, "u1", 1, "").Allowed, "request %d after window should be allowed", i+1)
	}
}

func TestRateLimitServiceCheck_TrueSlidingWindowNotFixedBucket(t *testing.T) {
	limiter, clk := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "api", Window: time.Minute, MaxRequests: 2}

	require.True(t, limiter.Check(rule, "u1", 1, "").Allowed) // t=0
	clk.Advance(30 * time.Second)
	require.True(t, limiter.Check(rule, "u1", 1, "").Allowed) // t=30s

	clk.Advance(20 * time.Second) // t=50s
	res := limiter.Check(rule, "u1", 1, "")
	require.False(t, res.Allowed)
	// The oldest hit leaves the window at t=60s.
	assert.Equal(t, 10, res.RetryAfterSeconds)
	assert.Equal(t, testStart.Add(time.Minute), res.ResetAt)

	clk.Advance(11 * time.Second) // t=61s, only the first hit has expired
	assert.True(t, limiter.Check(rule, "u1", 1, "").Allowed)
	assert.False(t, limiter.Check(rule, "u1", 1, "").Allowed)
}

func TestRateLimitServiceCheck_BurstAllowance(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "api", Window: time.Minute, MaxRequests: 3, BurstLimit: 2}

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Check(rule, "u1", 1, "").Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestRateLimitServiceCheck_CostAware(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "export", Window: time.Hour, MaxRequests: 10}

	res := limiter.Check(rule, "u1", 5, "")
	require.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)

	res = limiter.Check(rule, "u1", 5, "")
	require.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	assert.False(t, limiter.Check(rule, "u1", 1, "").Allowed)
}

func TestRateLimitServiceCheck_CostPerRequestScalesUsage(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "export", Window: time.Hour, MaxRequests: 4, CostPerRequest: 3}

	res := limiter.Check(rule, "u1", 2, "")
	require.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)

	assert.True(t, limiter.Check(rule, "u1", 2, "").Allowed)
	assert.False(t, limiter.Check(rule, "u1", 1, "").Allowed)
}

func TestRateLimitServiceCheck_OversizedCostRejectedWithFullWindowRetry(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "export", Window: time.Minute, MaxRequests: 2}

	res := limiter.Check(rule, "u1", 3, "")
	assert.False(t, res.Allowed)
	assert.Equal(t, 60, res.RetryAfterSeconds)
}

func TestRateLimitServiceCheck_NoPenaltyWithoutMultiplier(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "api", Window: time.Minute, MaxRequests: 1}

	require.True(t, limiter.Check(rule, "u1", 1, "").Allowed)
	for i := 0; i < 10; i++ {
		res := limiter.Check(rule, "u1", 1, "")
		assert.False(t, res.Allowed)
		assert.False(t, res.Penalized)
		assert.Nil(t, res.PenaltyUntil)
	}
}

func TestRateLimitServiceCheck_PenaltyStartsOnSecondViolation(t *testing.T) {
	limiter, clk := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "login", Window: time.Minute, MaxRequests: 1, PenaltyMultiplier: 2}

	require.True(t, limiter.Check(rule, "u1", 1, "").Allowed)

	first := limiter.Check(rule, "u1", 1, "")
	assert.False(t, first.Allowed)
	assert.False(t, first.Penalized)
	assert.Equal(t, 1, first.ViolationCount)

	second := limiter.Check(rule, "u1", 1, "")
	assert.False(t, second.Allowed)
	assert.True(t, second.Penalized)
	assert.True(t, second.PenaltyApplied)
	require.NotNil(t, second.PenaltyUntil)
	// window * multiplier * min(violations-1, 5) = 60s * 2 * 1
	assert.Equal(t, testStart.Add(2*time.Minute), *second.PenaltyUntil)
	assert.Equal(t, 120, second.RetryAfterSeconds)

	clk.Advance(30 * time.Second)
	during := limiter.Check(rule, "u1", 1, "")
	assert.False(t, during.Allowed)
	assert.True(t, during.Penalized)
	assert.False(t, during.PenaltyApplied)
	assert.Equal(t, 90, during.RetryAfterSeconds)
	assert.Equal(t, 2, during.ViolationCount, "penalized rejections do not count as new violations")
}

func TestRateLimitServiceCheck_PenaltyEscalationIsMonotonic(t *testing.T) {
	limiter, clk := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "login", Window: time.Minute, MaxRequests: 1, PenaltyMultiplier: 1}

	var lastPenalty time.Duration
	for round := 0; round < 8; round++ {
		// Wait out any penalty and the window, then fill the window and violate.
		clk.Advance(10 * time.Hour)
		require.True(t, limiter.Check(rule, "u1", 1, "").Allowed)

		var res models.LimitResult
		for {
			res = limiter.Check(rule, "u1", 1, "")
			require.False(t, res.Allowed)
			if res.PenaltyApplied {
				break
			}
		}
		penalty := res.PenaltyUntil.Sub(clk.Now())
		assert.GreaterOrEqual(t, penalty, lastPenalty, "round %d penalty shrank", round)
		assert.LessOrEqual(t, penalty, 5*rule.Window, "penalty must be capped")
		lastPenalty = penalty
	}
	assert.Equal(t, 5*rule.Window, lastPenalty)
}

func TestRateLimitServiceCheck_ViolationsRelaxWhenUsageLow(t *testing.T) {
	limiter, clk := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "api", Window: time.Minute, MaxRequests: 4, PenaltyMultiplier: 1}

	for i := 0; i < 4; i++ {
		require.True(t, limiter.Check(rule, "u1", 1, "").Allowed)
	}
	res := limiter.Check(rule, "u1", 1, "")
	require.Equal(t, 1, res.ViolationCount)

	clk.Advance(2 * time.Minute)
	res = limiter.Check(rule, "u1", 1, "")
	require.True(t, res.Allowed)
	assert.Equal(t, 0, res.ViolationCount, "a quiet window heals a single spike")
}

func TestRateLimitServiceCheck_KeysAreIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "api", Window: time.Minute, MaxRequests: 1}

	assert.True(t, limiter.Check(rule, "u1", 1, "").Allowed)
	assert.True(t, limiter.Check(rule, "u2", 1, "").Allowed)
	assert.True(t, limiter.Check(rule, "u1", 1, "/properties").Allowed)
	assert.False(t, limiter.Check(rule, "u1", 1, "").Allowed)

	other := models.RateLimitRule{Name: "other", Window: time.Minute, MaxRequests: 1}
	assert.True(t, limiter.Check(other, "u1", 1, "").Allowed)
}

func TestRateLimitServiceCheck_PanicsOnMisconfiguration(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	assert.Panics(t, func() {
		limiter.Check(models.RateLimitRule{Name: "bad", Window: 0, MaxRequests: 1}, "u1", 1, "")
	})
	assert.Panics(t, func() {
		limiter.Check(models.RateLimitRule{Name: "", Window: time.Minute, MaxRequests: 1}, "u1", 1, "")
	})
	assert.Panics(t, func() {
		limiter.Check(loginRule(), "", 1, "")
	})
	assert.Panics(t, func() {
		limiter.Check(loginRule(), "u1", -1, "")
	})
	assert.Panics(t, func() {
		limiter.CheckNamed("unknown", "u1", 1, "")
	})
}

func TestRateLimitServiceCheck_PanicsOnConflictingRuleName(t *testing.T) {
	limiter, _ := newTestLimiter(t, loginRule())

	require.True(t, limiter.Check(loginRule(), "u1", 1, "").Allowed)

	wider := loginRule()
	wider.MaxRequests = 50
	wider.Window = time.Hour
	assert.Panics(t, func() { limiter.Check(wider, "u1", 1, "") })

	adhoc := models.RateLimitRule{Name: "search", Window: time.Minute, MaxRequests: 3}
	require.True(t, limiter.Check(adhoc, "u1", 1, "").Allowed)
	adhoc.MaxRequests = 30
	assert.Panics(t, func() { limiter.Check(adhoc, "u1", 1, "") })

	rule, ok := limiter.Rule("login")
	require.True(t, ok)
	assert.Equal(t, loginRule(), rule)
}

func TestNewRateLimitService_PanicsOnInvalidRule(t *testing.T) {
	assert.Panics(t, func() {
		services.NewRateLimitService([]models.RateLimitRule{{Name: "x", Window: time.Minute, MaxRequests: 0}}, nil)
	})
}

func TestRateLimitServiceCheckNamed_UsesRegisteredRule(t *testing.T) {
	limiter, _ := newTestLimiter(t, loginRule())

	for i := 0; i < 5; i++ {
		require.True(t, limiter.CheckNamed("login", "u1", 1, "").Allowed)
	}
	assert.False(t, limiter.CheckNamed("login", "u1", 1, "").Allowed)
}

func TestRateLimitServiceReset(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "api", Window: time.Minute, MaxRequests: 1}

	require.True(t, limiter.Check(rule, "u1", 1, "").Allowed)
	require.False(t, limiter.Check(rule, "u1", 1, "").Allowed)

	assert.True(t, limiter.Reset("api", "u1", ""))
	assert.False(t, limiter.Reset("api", "u1", ""))
	assert.True(t, limiter.Check(rule, "u1", 1, "").Allowed)
}

func TestRateLimitServiceSweep(t *testing.T) {
	limiter, clk := newTestLimiter(t, loginRule())
	penaltyRule := models.RateLimitRule{Name: "strict", Window: time.Minute, MaxRequests: 1, PenaltyMultiplier: 10}

	limiter.Check(loginRule(), "idle", 1, "")
	limiter.Check(penaltyRule, "hostile", 1, "")
	limiter.Check(penaltyRule, "hostile", 1, "")
	res := limiter.Check(penaltyRule, "hostile", 1, "")
	require.True(t, res.Penalized)

	clk.Advance(90 * time.Second)
	assert.Equal(t, 0, limiter.Sweep(), "entries inside 2x max window are kept")

	clk.Advance(60 * time.Second)
	assert.Equal(t, 1, limiter.Sweep(), "idle entry removed, penalized entry kept")
	assert.Equal(t, 1, limiter.Stats().TrackedKeys)
	assert.Equal(t, 1, limiter.Stats().PenalizedKeys)

	clk.Advance(10 * time.Minute)
	assert.Equal(t, 1, limiter.Sweep())
	assert.Equal(t, 0, limiter.Stats().TrackedKeys)
}

func TestRateLimitServiceCheck_ConcurrentCallersRespectLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	rule := models.RateLimitRule{Name: "api", Window: time.Minute, MaxRequests: 50}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Check(rule, "shared", 1, "").Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
	stats := limiter.Stats()
	assert.Equal(t, int64(50), stats.TotalAllowed)
	assert.Equal(t, int64(150), stats.TotalRejected)
}
