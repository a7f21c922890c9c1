package models

import "time"

// LockoutResult is returned for every recorded failure.
type LockoutResult struct {
	IsLocked          bool          `json:"is_locked"`
	FailedAttempts    int           `json:"failed_attempts"`
	RemainingAttempts int           `json:"remaining_attempts"`
	LockoutCount      int           `json:"lockout_count"`
	LockedUntil       *time.Time    `json:"locked_until,omitempty"`
	RetryAfter        time.Duration `json:"retry_after"`
	// JustLocked is true only on the failure that triggered the lock.
	JustLocked bool `json:"just_locked"`
	// SourceFlagged reports whether the source IP is a credential stuffing
	// suspect; SourceJustFlagged is true only on the crossing attempt.
	SourceFlagged     bool `json:"source_flagged"`
	SourceJustFlagged bool `json:"-"`
}

// LockoutStatus is the read-only view of an identifier.
type LockoutStatus struct {
	Identifier     string        `json:"identifier"`
	IsLocked       bool          `json:"is_locked"`
	FailedAttempts int           `json:"failed_attempts"`
	LockoutCount   int           `json:"lockout_count"`
	LockedUntil    *time.Time    `json:"locked_until,omitempty"`
	RetryAfter     time.Duration `json:"retry_after"`
	LastFailure    *time.Time    `json:"last_failure,omitempty"`
	DistinctIPs    int           `json:"distinct_ips"`
}

// LockoutStats summarises lockout state for operators.
type LockoutStats struct {
	TrackedIdentifiers int `json:"tracked_identifiers"`
	LockedIdentifiers  int `json:"locked_identifiers"`
	TrackedIPs         int `json:"tracked_ips"`
	SuspiciousIPs      int `json:"suspicious_ips"`
}
