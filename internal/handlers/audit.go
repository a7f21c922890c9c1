package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/BradenHooton/propguard/internal/middleware"
	"github.com/BradenHooton/propguard/internal/models"
	pkghttp "github.com/BradenHooton/propguard/pkg/http"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditServiceInterface is the in-memory ledger surface.
type AuditServiceInterface interface {
	QueryAudit(filter models.AuditFilter) models.AuditQueryResult
	VerifyAudit(actx models.AuditContext) models.IntegrityReport
}

// AuditArchive is the durable copy of the ledger. It outlives in-memory
// retention.
type AuditArchive interface {
	Query(ctx context.Context, filter models.AuditFilter) (models.AuditQueryResult, error)
}

// AuditHandler handles audit ledger HTTP requests (operator only)
type AuditHandler struct {
	service  AuditServiceInterface
	archive  AuditArchive
	ipConfig *pkghttp.IPConfig
}

// NewAuditHandler creates a new AuditHandler. archive may be nil.
func NewAuditHandler(service AuditServiceInterface, archive AuditArchive, ipConfig *pkghttp.IPConfig) *AuditHandler {
	return &AuditHandler{service: service, archive: archive, ipConfig: ipConfig}
}

// Query handles GET /admin/audit
// Filters: action, severity, user_id, entity_type, entity_id, from, to
// (RFC 3339), limit (1-500, default 50), offset, source=archive.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	var res models.AuditQueryResult
	if r.URL.Query().Get("source") == "archive" {
		if h.archive == nil {
			pkghttp.WriteServiceUnavailable(w, "Audit archive is not configured")
			return
		}
		res, err = h.archive.Query(r.Context(), filter)
		if err != nil {
			pkghttp.WriteInternalError(w, "Failed to query audit archive")
			return
		}
	} else {
		res = h.service.QueryAudit(filter)
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(res.Total))
	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": res.Entries,
		"total":   res.Total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// Verify handles POST /admin/audit/verify
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	report := h.service.VerifyAudit(models.AuditContext{
		UserID:        middleware.AdminFromContext(r.Context()),
		IPAddress:     pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent:     r.UserAgent(),
		CorrelationID: requestID(r),
	})

	status := http.StatusOK
	if !report.Valid {
		status = http.StatusConflict
	}
	pkghttp.WriteJSON(w, status, report)
}

type filterError string

func (e filterError) Error() string { return string(e) }

func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	f := models.AuditFilter{
		Action:     models.AuditAction(q.Get("action")),
		Severity:   models.AuditSeverity(q.Get("severity")),
		UserID:     q.Get("user_id"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Limit:      defaultAuditLimit,
	}

	if f.Action != "" && !f.Action.Valid() {
		return f, filterError("unknown action")
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return f, filterError("unknown severity")
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, filterError(p.name + " must be an RFC 3339 timestamp")
		}
		*p.dst = &t
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAuditLimit {
			return f, filterError("limit must be between 1 and 500")
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, filterError("offset must not be negative")
		}
		f.Offset = n
	}
	return f, nil
}
