package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/propguard/internal/middleware"
	"github.com/BradenHooton/propguard/internal/models"
	"github.com/BradenHooton/propguard/internal/services"
	pkghttp "github.com/BradenHooton/propguard/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test/1.0")
	req.RemoteAddr = "203.0.113.7:5555"
	return req
}

// WithSessionContext marks the request as authenticated.
func WithSessionContext(req *http.Request, sessionID, userID string) *http.Request {
	return req.WithContext(middleware.WithSession(req.Context(), middleware.SessionInfo{
		SessionID: sessionID,
		UserID:    userID,
	}))
}

// WithChiRouteContext adds chi URL parameters to request context for testing
func WithChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target any) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	if target != nil {
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), target), "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc     func(ctx context.Context, email, password, ipAddress, userAgent string) (*services.LoginResult, error)
	LogoutFunc    func(sessionID string, actx models.AuditContext) bool
	LogoutAllFunc func(userID string, actx models.AuditContext) int
	SessionFunc   func(sessionID string) (*models.Session, bool)
}

func (m *MockAuthService) Login(ctx context.Context, email, password, ipAddress, userAgent string) (*services.LoginResult, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.LoginFunc(ctx, email, password, ipAddress, userAgent)
}

func (m *MockAuthService) Logout(sessionID string, actx models.AuditContext) bool {
	if m.LogoutFunc == nil {
		return true
	}
	return m.LogoutFunc(sessionID, actx)
}

func (m *MockAuthService) LogoutAll(userID string, actx models.AuditContext) int {
	if m.LogoutAllFunc == nil {
		return 0
	}
	return m.LogoutAllFunc(userID, actx)
}

func (m *MockAuthService) Session(sessionID string) (*models.Session, bool) {
	if m.SessionFunc == nil {
		return nil, false
	}
	return m.SessionFunc(sessionID)
}

// MockAuditArchive implements AuditArchive for testing
type MockAuditArchive struct {
	QueryFunc func(ctx context.Context, filter models.AuditFilter) (models.AuditQueryResult, error)
}

func (m *MockAuditArchive) Query(ctx context.Context, filter models.AuditFilter) (models.AuditQueryResult, error) {
	if m.QueryFunc == nil {
		return models.AuditQueryResult{}, nil
	}
	return m.QueryFunc(ctx, filter)
}
