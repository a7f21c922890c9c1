package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/propguard/internal/models"
	pkghttp "github.com/BradenHooton/propguard/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitByIP is a coarse per-IP guard in front of the sliding window
// limiter. It keeps floods from ever reaching the protection services.
func RateLimitByIP(requestsPerMinute int) func(next http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteTooManyRequests(w, "Rate limit exceeded")
		}),
	)
}

// LimitChecker applies a named sliding window rule.
type LimitChecker interface {
	CheckLimit(rule, identifier string, cost int, subKey string, actx models.AuditContext) models.LimitResult
}

// KeyFunc derives the limiter identifier and sub-key from a request. An
// empty identifier skips limiting.
type KeyFunc func(r *http.Request) (identifier, subKey string)

// SlidingWindow enforces a named rule with the given per-request cost.
func SlidingWindow(checker LimitChecker, rule string, cost int, key KeyFunc, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier, subKey := key(r)
			if identifier == "" {
				next.ServeHTTP(w, r)
				return
			}

			actx := models.AuditContext{
				IPAddress: pkghttp.ExtractClientIP(r, ipConfig),
				UserAgent: r.UserAgent(),
			}
			if info, ok := SessionFromContext(r.Context()); ok {
				actx.UserID = info.UserID
			}

			res := checker.CheckLimit(rule, identifier, cost, subKey, actx)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if !res.Allowed {
				pkghttp.WriteRetryAfter(w, res.RetryAfter(), "rate_limit_exceeded", "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// KeyBySessionUser keys by the authenticated user. It must run after
// RequireSession.
func KeyBySessionUser(r *http.Request) (string, string) {
	info, ok := SessionFromContext(r.Context())
	if !ok {
		return "", ""
	}
	return info.UserID, ""
}

// KeyByClientIP keys by the client address.
func KeyByClientIP(ipConfig *pkghttp.IPConfig) KeyFunc {
	return func(r *http.Request) (string, string) {
		return pkghttp.ExtractClientIP(r, ipConfig), ""
	}
}
