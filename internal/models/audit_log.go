package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction is the closed set of auditable actions.
type AuditAction string

const (
	AuditActionLogin                AuditAction = "login"
	AuditActionLoginFailed          AuditAction = "login_failed"
	AuditActionLogout               AuditAction = "logout"
	AuditActionLogoutAll            AuditAction = "logout_all"
	AuditActionSessionCreated       AuditAction = "session_created"
	AuditActionSessionTerminated    AuditAction = "session_terminated"
	AuditActionSessionEvicted       AuditAction = "session_evicted"
	AuditActionSessionExpired       AuditAction = "session_expired"
	AuditActionSuspiciousActivity   AuditAction = "suspicious_activity"
	AuditActionAccountLocked        AuditAction = "account_locked"
	AuditActionAccountUnlocked      AuditAction = "account_unlocked"
	AuditActionCredentialStuffing   AuditAction = "credential_stuffing_detected"
	AuditActionRateLimitExceeded    AuditAction = "rate_limit_exceeded"
	AuditActionRateLimitPenalty     AuditAction = "rate_limit_penalty"
	AuditActionEntityCreated        AuditAction = "entity_created"
	AuditActionEntityUpdated        AuditAction = "entity_updated"
	AuditActionEntityDeleted        AuditAction = "entity_deleted"
	AuditActionBulkDelete           AuditAction = "bulk_delete"
	AuditActionPermissionChanged    AuditAction = "permission_changed"
	AuditActionDataExport           AuditAction = "data_export"
	AuditActionSettingsChanged      AuditAction = "settings_changed"
	AuditActionIntegrityCheckFailed AuditAction = "integrity_check_failed"
)

// AuditSeverity ranks audit entries for alerting.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityError    AuditSeverity = "error"
	SeverityCritical AuditSeverity = "critical"
)

// defaultSeverities is the table every action must appear in.
var defaultSeverities = map[AuditAction]AuditSeverity{
	AuditActionLogin:                SeverityInfo,
	AuditActionLoginFailed:          SeverityWarning,
	AuditActionLogout:               SeverityInfo,
	AuditActionLogoutAll:            SeverityInfo,
	AuditActionSessionCreated:       SeverityInfo,
	AuditActionSessionTerminated:    SeverityInfo,
	AuditActionSessionEvicted:       SeverityWarning,
	AuditActionSessionExpired:       SeverityInfo,
	AuditActionSuspiciousActivity:   SeverityWarning,
	AuditActionAccountLocked:        SeverityError,
	AuditActionAccountUnlocked:      SeverityWarning,
	AuditActionCredentialStuffing:   SeverityCritical,
	AuditActionRateLimitExceeded:    SeverityWarning,
	AuditActionRateLimitPenalty:     SeverityError,
	AuditActionEntityCreated:        SeverityInfo,
	AuditActionEntityUpdated:        SeverityInfo,
	AuditActionEntityDeleted:        SeverityWarning,
	AuditActionBulkDelete:           SeverityCritical,
	AuditActionPermissionChanged:    SeverityError,
	AuditActionDataExport:           SeverityWarning,
	AuditActionSettingsChanged:      SeverityWarning,
	AuditActionIntegrityCheckFailed: SeverityCritical,
}

// DefaultSeverity returns the table-driven severity for an action.
func (a AuditAction) DefaultSeverity() (AuditSeverity, bool) {
	s, ok := defaultSeverities[a]
	return s, ok
}

// Valid reports whether the action belongs to the closed set.
func (a AuditAction) Valid() bool {
	_, ok := defaultSeverities[a]
	return ok
}

// AuditActions lists every known action.
func AuditActions() []AuditAction {
	actions := make([]AuditAction, 0, len(defaultSeverities))
	for a := range defaultSeverities {
		actions = append(actions, a)
	}
	return actions
}

// Valid reports whether the severity is one of the known levels.
func (s AuditSeverity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// AuditContext carries actor and request context.
type AuditContext struct {
	UserID        string `json:"user_id,omitempty"`
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// PayloadKind discriminates the audit payload variants.
type PayloadKind string

const (
	PayloadKindNone      PayloadKind = "none"
	PayloadKindAuth      PayloadKind = "auth"
	PayloadKindLockout   PayloadKind = "lockout"
	PayloadKindSession   PayloadKind = "session"
	PayloadKindRateLimit PayloadKind = "rate_limit"
	PayloadKindChange    PayloadKind = "change"
	PayloadKindEntity    PayloadKind = "entity"
)

// AuditPayload is the closed set of domain payloads. Implementations live in
// this package only.
type AuditPayload interface {
	Kind() PayloadKind
	// Entity returns the entity the payload refers to, if any.
	Entity() (entityType, entityID string)
	sealed()
}

// AuthPayload describes an authentication outcome.
type AuthPayload struct {
	Identifier string `json:"identifier"`
	Reason     string `json:"reason,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// LockoutPayload describes lock, unlock and credential stuffing events.
type LockoutPayload struct {
	Identifier     string     `json:"identifier,omitempty"`
	LockoutCount   int        `json:"lockout_count,omitempty"`
	FailedAttempts int        `json:"failed_attempts,omitempty"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	DurationSecs   int64      `json:"duration_seconds,omitempty"`
	AdminID        string     `json:"admin_id,omitempty"`
	SourceIP       string     `json:"source_ip,omitempty"`
}

// SessionPayload describes session lifecycle events.
type SessionPayload struct {
	SessionID            string   `json:"session_id"`
	Reason               string   `json:"reason,omitempty"`
	TerminatedSessionIDs []string `json:"terminated_session_ids,omitempty"`
	Count                int      `json:"count,omitempty"`
	Signals              []string `json:"signals,omitempty"`
}

// RateLimitPayload describes limiter rejections and penalties.
type RateLimitPayload struct {
	Rule           string     `json:"rule"`
	Identifier     string     `json:"identifier"`
	SubKey         string     `json:"sub_key,omitempty"`
	ViolationCount int        `json:"violation_count"`
	PenaltyUntil   *time.Time `json:"penalty_until,omitempty"`
	RetryAfterSecs int        `json:"retry_after_seconds"`
}

// FieldChange is one changed field. A nil side means the field was absent.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Fields is a flat field map used as a before/after snapshot.
type Fields map[string]any

// FieldsOf converts a JSON-serializable value to a flat field map.
func FieldsOf(v any) (Fields, error) {
	if v == nil {
		return Fields{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("snapshot is not an object: %w", err)
	}
	return f, nil
}

// ChangePayload records only the fields that differ between two snapshots.
type ChangePayload struct {
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Changes    map[string]FieldChange `json:"changes"`
}

// EntityPayload references an entity without a diff (deletes, exports).
type EntityPayload struct {
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id,omitempty"`
	EntityIDs  []string `json:"entity_ids,omitempty"`
	Note       string   `json:"note,omitempty"`
}

func (AuthPayload) Kind() PayloadKind      { return PayloadKindAuth }
func (LockoutPayload) Kind() PayloadKind   { return PayloadKindLockout }
func (SessionPayload) Kind() PayloadKind   { return PayloadKindSession }
func (RateLimitPayload) Kind() PayloadKind { return PayloadKindRateLimit }
func (ChangePayload) Kind() PayloadKind    { return PayloadKindChange }
func (EntityPayload) Kind() PayloadKind    { return PayloadKindEntity }

func (AuthPayload) Entity() (string, string)      { return "", "" }
func (LockoutPayload) Entity() (string, string)   { return "", "" }
func (p SessionPayload) Entity() (string, string) { return "session", p.SessionID }
func (RateLimitPayload) Entity() (string, string) { return "", "" }
func (p ChangePayload) Entity() (string, string)  { return p.EntityType, p.EntityID }
func (p EntityPayload) Entity() (string, string)  { return p.EntityType, p.EntityID }

func (AuthPayload) sealed()      {}
func (LockoutPayload) sealed()   {}
func (SessionPayload) sealed()   {}
func (RateLimitPayload) sealed() {}
func (ChangePayload) sealed()    {}
func (EntityPayload) sealed()    {}

// AuditEntry is an immutable, hash-chained ledger record.
type AuditEntry struct {
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	Action       AuditAction   `json:"action"`
	Severity     AuditSeverity `json:"severity"`
	Context      AuditContext  `json:"context"`
	Data         AuditPayload  `json:"data,omitempty"`
	Hash         string        `json:"hash"`
	PreviousHash string        `json:"previous_hash"`
}

// PayloadKind returns the kind of the attached payload.
func (e *AuditEntry) PayloadKind() PayloadKind {
	if e.Data == nil {
		return PayloadKindNone
	}
	return e.Data.Kind()
}

// DecodePayload rebuilds a payload from its kind and JSON form.
func DecodePayload(kind PayloadKind, raw []byte) (AuditPayload, error) {
	var p AuditPayload
	switch kind {
	case PayloadKindNone, "":
		return nil, nil
	case PayloadKindAuth:
		p = &AuthPayload{}
	case PayloadKindLockout:
		p = &LockoutPayload{}
	case PayloadKindSession:
		p = &SessionPayload{}
	case PayloadKindRateLimit:
		p = &RateLimitPayload{}
	case PayloadKindChange:
		p = &ChangePayload{}
	case PayloadKindEntity:
		p = &EntityPayload{}
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	// Store values, not pointers, so decoded entries compare equal to
	// recorded ones.
	switch v := p.(type) {
	case *AuthPayload:
		return *v, nil
	case *LockoutPayload:
		return *v, nil
	case *SessionPayload:
		return *v, nil
	case *RateLimitPayload:
		return *v, nil
	case *ChangePayload:
		return *v, nil
	case *EntityPayload:
		return *v, nil
	}
	return nil, fmt.Errorf("unknown payload kind %q", kind)
}

type auditEntryJSON struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Action       AuditAction     `json:"action"`
	Severity     AuditSeverity   `json:"severity"`
	Context      AuditContext    `json:"context"`
	DataKind     PayloadKind     `json:"data_kind"`
	Data         json.RawMessage `json:"data,omitempty"`
	Hash         string          `json:"hash"`
	PreviousHash string          `json:"previous_hash"`
}

// MarshalJSON adds the payload kind so the entry can be decoded again.
func (e AuditEntry) MarshalJSON() ([]byte, error) {
	out := auditEntryJSON{
		ID:           e.ID,
		Timestamp:    e.Timestamp,
		Action:       e.Action,
		Severity:     e.Severity,
		Context:      e.Context,
		DataKind:     e.PayloadKind(),
		Hash:         e.Hash,
		PreviousHash: e.PreviousHash,
	}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		out.Data = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the payload according to data_kind.
func (e *AuditEntry) UnmarshalJSON(b []byte) error {
	var in auditEntryJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	data, err := DecodePayload(in.DataKind, in.Data)
	if err != nil {
		return err
	}
	*e = AuditEntry{
		ID:           in.ID,
		Timestamp:    in.Timestamp,
		Action:       in.Action,
		Severity:     in.Severity,
		Context:      in.Context,
		Data:         data,
		Hash:         in.Hash,
		PreviousHash: in.PreviousHash,
	}
	return nil
}

// AuditCheckpoint anchors the chain when older entries are trimmed.
type AuditCheckpoint struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastEntryID  string    `json:"last_entry_id"`
	LastHash     string    `json:"last_hash"`
	TrimmedCount int64     `json:"trimmed_count"`
}

// AuditFilter narrows a ledger query. All set fields must match.
type AuditFilter struct {
	Action     AuditAction   `json:"action,omitempty"`
	EntityType string        `json:"entity_type,omitempty"`
	EntityID   string        `json:"entity_id,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
	Severity   AuditSeverity `json:"severity,omitempty"`
	From       *time.Time    `json:"from,omitempty"`
	To         *time.Time    `json:"to,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	Offset     int           `json:"offset,omitempty"`
}

// AuditQueryResult holds one page of entries and the filtered total.
type AuditQueryResult struct {
	Entries []AuditEntry `json:"entries"`
	Total   int          `json:"total"`
}

// IntegrityReport is the structured result of a chain verification.
type IntegrityReport struct {
	Valid      bool   `json:"valid"`
	BrokenAtID string `json:"broken_at_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Checked    int    `json:"checked"`
	AnchorHash string `json:"anchor_hash"`
	AnchoredAt string `json:"anchored_at"`
}

// AuditStats summarises the ledger.
type AuditStats struct {
	TotalEntries  int                   `json:"total_entries"`
	BySeverity    map[AuditSeverity]int `json:"by_severity"`
	ByAction      map[AuditAction]int   `json:"by_action"`
	OldestEntry   *time.Time            `json:"oldest_entry,omitempty"`
	NewestEntry   *time.Time            `json:"newest_entry,omitempty"`
	LastHash      string                `json:"last_hash"`
	TrimmedCount  int64                 `json:"trimmed_count"`
	Checkpoints   int                   `json:"checkpoints"`
	DroppedEvents int64                 `json:"dropped_sink_events"`
}
