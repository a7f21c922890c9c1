package models

import (
	"fmt"
	"strings"
	"time"
)

// DeviceBindingPolicy controls what happens when a request's device
// fingerprint differs from the one recorded at login.
type DeviceBindingPolicy string

const (
	DeviceBindingIgnore    DeviceBindingPolicy = "ignore"
	DeviceBindingLog       DeviceBindingPolicy = "log"
	DeviceBindingTerminate DeviceBindingPolicy = "terminate"
)

// ParseDeviceBindingPolicy parses a policy name, case-insensitively.
func ParseDeviceBindingPolicy(s string) (DeviceBindingPolicy, error) {
	switch p := DeviceBindingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case DeviceBindingIgnore, DeviceBindingLog, DeviceBindingTerminate:
		return p, nil
	default:
		return "", fmt.Errorf("unknown device binding policy %q", s)
	}
}

// Session end and rejection reasons
const (
	SessionReasonNotFound        = "session_not_found"
	SessionReasonInactive        = "session_inactive"
	SessionReasonIdleTimeout     = "idle_timeout"
	SessionReasonAbsoluteTimeout = "absolute_timeout"
	SessionReasonDeviceMismatch  = "device_mismatch"
	SessionReasonLogout          = "logout"
	SessionReasonLogoutAll       = "logout_all"
	SessionReasonEvicted         = "concurrency_limit"
)

// Session is one authenticated session. Once Active is false it stays false.
type Session struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Fingerprint   string     `json:"fingerprint"`
	UserAgent     string     `json:"user_agent"`
	IPAddress     string     `json:"ip_address"`
	IPHistory     []string   `json:"ip_history"`
	CreatedAt     time.Time  `json:"created_at"`
	LastActivity  time.Time  `json:"last_activity"`
	Active        bool       `json:"active"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	EndReason     string     `json:"end_reason,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	c := *s
	c.IPHistory = append([]string(nil), s.IPHistory...)
	if s.DeactivatedAt != nil {
		t := *s.DeactivatedAt
		c.DeactivatedAt = &t
	}
	return &c
}

// CreateSessionResult reports the new session and any session evicted to
// respect the concurrency cap.
type CreateSessionResult struct {
	Session              *Session `json:"session"`
	TerminatedSessionIDs []string `json:"terminated_session_ids"`
}

// SessionValidation is the outcome of validating a session on a request.
type SessionValidation struct {
	Valid               bool   `json:"valid"`
	Reason              string `json:"reason,omitempty"`
	ShouldTerminate     bool   `json:"should_terminate"`
	FingerprintMismatch bool   `json:"fingerprint_mismatch"`
	IPChanged           bool   `json:"ip_changed"`
	ExcessiveIPChanges  bool   `json:"excessive_ip_changes"`
	UserID              string `json:"user_id,omitempty"`
}

// SuspiciousActivity is advisory output across all of a user's sessions.
type SuspiciousActivity struct {
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons"`
}

// SessionStats summarises session state for operators.
type SessionStats struct {
	TotalSessions  int `json:"total_sessions"`
	ActiveSessions int `json:"active_sessions"`
	Users          int `json:"users"`
}
