package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/BradenHooton/propguard/internal/models"
	pkghttp "github.com/BradenHooton/propguard/pkg/http"
)

type contextKey string

const (
	sessionContextKey contextKey = "session"
	adminContextKey   contextKey = "admin"
	userSlotKey       contextKey = "user_slot"

	// SessionCookieName carries the session id for browser clients.
	SessionCookieName = "propguard_session"
)

// SessionInfo is what RequireSession stores on the request context.
type SessionInfo struct {
	SessionID string
	UserID    string
}

// Authenticator validates a session for a request.
type Authenticator interface {
	Authenticate(sessionID, ipAddress, userAgent string) models.SessionValidation
}

// RequireSession rejects requests without a valid session. The session id
// comes from a Bearer token or the session cookie.
func RequireSession(auth Authenticator, ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := SessionIDFromRequest(r)
			if sessionID == "" {
				pkghttp.WriteUnauthorized(w, "Missing session")
				return
			}

			v := auth.Authenticate(sessionID, pkghttp.ExtractClientIP(r, ipConfig), r.UserAgent())
			if !v.Valid {
				pkghttp.WriteErrorWithDetails(w, http.StatusUnauthorized, "session_invalid",
					"Please sign in again", v.Reason)
				return
			}

			if slot, ok := r.Context().Value(userSlotKey).(*string); ok {
				*slot = v.UserID
			}
			ctx := WithSession(r.Context(), SessionInfo{
				SessionID: sessionID,
				UserID:    v.UserID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionIDFromRequest extracts the session id without validating it.
func SessionIDFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// SessionFromContext returns the session stored by RequireSession.
func SessionFromContext(ctx context.Context) (SessionInfo, bool) {
	info, ok := ctx.Value(sessionContextKey).(SessionInfo)
	return info, ok
}

// WithSession stores session info on a context.
func WithSession(ctx context.Context, info SessionInfo) context.Context {
	return context.WithValue(ctx, sessionContextKey, info)
}

func withUserSlot(ctx context.Context, slot *string) context.Context {
	return context.WithValue(ctx, userSlotKey, slot)
}
