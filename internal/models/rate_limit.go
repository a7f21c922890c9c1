package models

import "time"

// Names of the rules registered at startup.
const (
	RuleLogin  = "login"
	RuleAPI    = "api"
	RuleExport = "export"
)

// RateLimitRule describes one sliding window policy. Unset CostPerRequest
// means 1, unset BurstLimit means no burst and unset PenaltyMultiplier
// disables escalation.
type RateLimitRule struct {
	Name              string        `json:"name" validate:"required,max=64"`
	Window            time.Duration `json:"window" validate:"gt=0"`
	MaxRequests       int           `json:"max_requests" validate:"gt=0"`
	CostPerRequest    int           `json:"cost_per_request,omitempty" validate:"gte=0"`
	BurstLimit        int           `json:"burst_limit,omitempty" validate:"gte=0"`
	PenaltyMultiplier float64       `json:"penalty_multiplier,omitempty" validate:"gte=0"`
}

// UnitCost returns the effective per-request cost.
func (r RateLimitRule) UnitCost() int {
	if r.CostPerRequest <= 0 {
		return 1
	}
	return r.CostPerRequest
}

// Capacity is the weighted ceiling including the burst allowance.
func (r RateLimitRule) Capacity() int {
	return (r.MaxRequests + r.BurstLimit) * r.UnitCost()
}

// LimitResult is the outcome of a limiter check. A rejected request is a
// normal result, not an error.
type LimitResult struct {
	Allowed           bool       `json:"allowed"`
	Remaining         int        `json:"remaining"`
	ResetAt           time.Time  `json:"reset_at"`
	RetryAfterSeconds int        `json:"retry_after_seconds"`
	Penalized         bool       `json:"penalized"`
	ViolationCount    int        `json:"violation_count"`
	PenaltyUntil      *time.Time `json:"penalty_until,omitempty"`
	// PenaltyApplied is set only on the call that started a new penalty window.
	PenaltyApplied bool `json:"-"`
}

// RetryAfter returns RetryAfterSeconds as a duration.
func (r LimitResult) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterSeconds) * time.Second
}

// RateLimitStats summarises limiter state for operators.
type RateLimitStats struct {
	TrackedKeys    int   `json:"tracked_keys"`
	PenalizedKeys  int   `json:"penalized_keys"`
	TotalAllowed   int64 `json:"total_allowed"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalPenalties int64 `json:"total_penalties"`
}
