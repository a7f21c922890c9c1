package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	pkghttp "github.com/BradenHooton/propguard/pkg/http"
)

const (
	// AdminKeyHeader carries the operator API key.
	AdminKeyHeader = "X-Admin-Key"
	// AdminActorHeader optionally names the operator for the audit trail.
	AdminActorHeader = "X-Admin-Actor"

	defaultAdminActor = "admin"
)

// RequireAdminKey guards operator routes with a shared key compared in
// constant time.
func RequireAdminKey(key string, logger *slog.Logger) func(http.Handler) http.Handler {
	expected := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := []byte(r.Header.Get(AdminKeyHeader))
			if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
				logger.Warn("admin request rejected",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr))
				pkghttp.WriteUnauthorized(w, "Invalid admin key")
				return
			}

			actor := strings.TrimSpace(r.Header.Get(AdminActorHeader))
			if actor == "" || len(actor) > 128 {
				actor = defaultAdminActor
			}
			ctx := context.WithValue(r.Context(), adminContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminFromContext returns the operator name set by RequireAdminKey.
func AdminFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(adminContextKey).(string); ok {
		return actor
	}
	return defaultAdminActor
}
