package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BradenHooton/propguard/internal/middleware"
	"github.com/BradenHooton/propguard/internal/models"
	"github.com/BradenHooton/propguard/internal/services"
	pkghttp "github.com/BradenHooton/propguard/pkg/http"
)

// AuthServiceInterface defines the login flow used by the handler
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password, ipAddress, userAgent string) (*services.LoginResult, error)
	Logout(sessionID string, actx models.AuditContext) bool
	LogoutAll(userID string, actx models.AuditContext) int
	Session(sessionID string) (*models.Session, bool)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	ipConfig *pkghttp.IPConfig
	cookie   CookieConfig
}

// CookieConfig controls the session cookie set on login.
type CookieConfig struct {
	Secure bool
	MaxAge time.Duration
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, ipConfig *pkghttp.IPConfig, cookie CookieConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		ipConfig: ipConfig,
		cookie:   cookie,
	}
}

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=128"`
}

// LoginResponse is returned on successful login. The session id doubles as
// the bearer token.
type LoginResponse struct {
	SessionID            string       `json:"session_id"`
	User                 *models.User `json:"user"`
	ExpiresAt            time.Time    `json:"expires_at"`
	TerminatedSessionIDs []string     `json:"terminated_session_ids,omitempty"`
}

// SessionResponse describes the caller's current session.
type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	IPAddress    string    `json:"ip_address"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	res, err := h.service.Login(r.Context(), req.Email, req.Password, ipAddress, r.UserAgent())
	if err != nil {
		var retry *services.RetryError
		switch {
		case errors.As(err, &retry) && errors.Is(err, models.ErrAccountLocked):
			pkghttp.WriteRetryAfter(w, retry.RetryAfter, "account_locked",
				"Too many failed login attempts. Please try again later.")
		case errors.As(err, &retry):
			pkghttp.WriteRetryAfter(w, retry.RetryAfter, "rate_limit_exceeded",
				"Too many requests. Please try again later.")
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteUnauthorized(w, "Authentication failed")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	expiresAt := res.Session.CreatedAt.Add(h.cookie.MaxAge)
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    res.Session.ID,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(h.cookie.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})

	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		SessionID:            res.Session.ID,
		User:                 res.User,
		ExpiresAt:            expiresAt,
		TerminatedSessionIDs: res.TerminatedSessionIDs,
	})
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	info, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Missing session")
		return
	}

	h.service.Logout(info.SessionID, h.auditContext(r, info.UserID))
	h.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll handles POST /auth/logout-all
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	info, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Missing session")
		return
	}

	n := h.service.LogoutAll(info.UserID, h.auditContext(r, info.UserID))
	h.clearCookie(w)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]int{"terminated": n})
}

// CurrentSession handles GET /auth/session
func (h *AuthHandler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	info, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Missing session")
		return
	}

	sess, found := h.service.Session(info.SessionID)
	if !found {
		pkghttp.WriteUnauthorized(w, "Missing session")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, SessionResponse{
		SessionID:    sess.ID,
		UserID:       sess.UserID,
		IPAddress:    sess.IPAddress,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
	})
}

func (h *AuthHandler) auditContext(r *http.Request, userID string) models.AuditContext {
	return models.AuditContext{
		UserID:        userID,
		IPAddress:     pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent:     r.UserAgent(),
		CorrelationID: requestID(r),
	}
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}
