package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/BradenHooton/propguard/internal/middleware"
	"github.com/BradenHooton/propguard/internal/models"
	"github.com/BradenHooton/propguard/internal/services"
	pkghttp "github.com/BradenHooton/propguard/pkg/http"
	"github.com/go-chi/chi/v5"
)

// AdminServiceInterface defines the operator contract.
type AdminServiceInterface interface {
	Unlock(identifier string, actx models.AuditContext) bool
	LockoutStatus(identifier string) models.LockoutStatus
	LockedIdentifiers() []models.LockoutStatus
	CredentialStuffing(ip string) services.StuffingReport
	Stats() services.Overview
	UserSessions(userID string) []*models.Session
	TerminateSession(sessionID string, actx models.AuditContext) bool
	TerminateUserSessions(userID string, actx models.AuditContext) int
	ResetLimit(rule, identifier, subKey string, actx models.AuditContext) bool
	CreateUser(ctx context.Context, email, name, password string, actx models.AuditContext) (*models.User, error)
	SetUserStatus(ctx context.Context, userID string, status models.UserStatus, actx models.AuditContext) (*models.User, error)
}

// AdminHandler handles operator HTTP requests.
type AdminHandler struct {
	service  AdminServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(service AdminServiceInterface, ipConfig *pkghttp.IPConfig) *AdminHandler {
	return &AdminHandler{service: service, ipConfig: ipConfig}
}

// CreateUserRequest is the body of POST /admin/users
type CreateUserRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,min=1,max=128"`
	Password string `json:"password" validate:"required,max=128"`
}

// UpdateStatusRequest is the body of PATCH /admin/users/{id}/status
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended disabled"`
}

// ResetLimitRequest is the body of POST /admin/limits/reset
type ResetLimitRequest struct {
	Rule       string `json:"rule" validate:"required,max=64"`
	Identifier string `json:"identifier" validate:"required,max=256"`
	SubKey     string `json:"sub_key" validate:"max=256"`
}

// Stats handles GET /admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteJSON(w, http.StatusOK, h.service.Stats())
}

// LockedAccounts handles GET /admin/lockouts
func (h *AdminHandler) LockedAccounts(w http.ResponseWriter, r *http.Request) {
	locked := h.service.LockedIdentifiers()
	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
		"locked": locked,
		"total":  len(locked),
	})
}

// LockoutStatus handles GET /admin/lockouts/{identifier}
func (h *AdminHandler) LockoutStatus(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	if strings.TrimSpace(identifier) == "" {
		pkghttp.WriteBadRequest(w, "identifier is required")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, h.service.LockoutStatus(identifier))
}

// Unlock handles POST /admin/lockouts/{identifier}/unlock
func (h *AdminHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	if strings.TrimSpace(identifier) == "" {
		pkghttp.WriteBadRequest(w, "identifier is required")
		return
	}
	if !h.service.Unlock(identifier, h.auditContext(r)) {
		pkghttp.WriteNotFound(w, "No lockout state for identifier")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, h.service.LockoutStatus(identifier))
}

// CredentialStuffing handles GET /admin/stuffing/{ip}
func (h *AdminHandler) CredentialStuffing(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if !validIP(ip) {
		pkghttp.WriteBadRequest(w, "ip must be a valid IP address")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, h.service.CredentialStuffing(ip))
}

// UserSessions handles GET /admin/users/{id}/sessions
func (h *AdminHandler) UserSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.service.UserSessions(chi.URLParam(r, "id"))
	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// TerminateUserSessions handles DELETE /admin/users/{id}/sessions
func (h *AdminHandler) TerminateUserSessions(w http.ResponseWriter, r *http.Request) {
	n := h.service.TerminateUserSessions(chi.URLParam(r, "id"), h.auditContext(r))
	pkghttp.WriteJSON(w, http.StatusOK, map[string]int{"terminated": n})
}

// TerminateSession handles DELETE /admin/sessions/{id}
func (h *AdminHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	if !h.service.TerminateSession(chi.URLParam(r, "id"), h.auditContext(r)) {
		pkghttp.WriteNotFound(w, "Session not found or already ended")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetLimit handles POST /admin/limits/reset
func (h *AdminHandler) ResetLimit(w http.ResponseWriter, r *http.Request) {
	var req ResetLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if !h.service.ResetLimit(req.Rule, req.Identifier, req.SubKey, h.auditContext(r)) {
		pkghttp.WriteNotFound(w, "No limiter state for key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateUser handles POST /admin/users
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	user, err := h.service.CreateUser(r.Context(), req.Email, req.Name, req.Password, h.auditContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusCreated, user)
}

// UpdateUserStatus handles PATCH /admin/users/{id}/status
func (h *AdminHandler) UpdateUserStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	user, err := h.service.SetUserStatus(r.Context(), chi.URLParam(r, "id"), models.UserStatus(req.Status), h.auditContext(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, user)
}

func (h *AdminHandler) auditContext(r *http.Request) models.AuditContext {
	return models.AuditContext{
		UserID:        middleware.AdminFromContext(r.Context()),
		IPAddress:     pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent:     r.UserAgent(),
		CorrelationID: requestID(r),
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Resource not found")
	case errors.Is(err, models.ErrConflict):
		pkghttp.WriteConflict(w, "Resource already exists")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
