package models

import "time"

// UserStatus gates whether a user may log in.
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusDisabled  UserStatus = "disabled"
)

// User is a credential holder. PasswordHash never leaves the server.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	Status       UserStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Snapshot returns the audited fields of a user.
func (u *User) Snapshot() Fields {
	return Fields{
		"email":  u.Email,
		"name":   u.Name,
		"status": string(u.Status),
	}
}
