package auth

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost     = 14
	MinPasswordLen = 12
	MaxPasswordLen = 128
)

// PasswordValidationError lists every rule a password broke. Error() stays
// generic so callers can surface it without leaking the policy.
type PasswordValidationError struct {
	Violations []string
}

func (e *PasswordValidationError) Error() string {
	return "invalid password"
}

var commonPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {}, "password123!": {},
	"12345678": {}, "123456789012": {}, "qwerty": {}, "qwertyuiop": {},
	"letmein": {}, "welcome": {}, "welcome123!": {}, "admin": {},
	"administrator": {}, "iloveyou": {}, "trustno1": {}, "passw0rd": {},
	"changeme": {}, "sunshine": {}, "football": {}, "monkey": {},
}

// ValidatePassword checks a new password against the account policy: length
// bounds, the four character classes and a short deny list.
func ValidatePassword(password string) error {
	var violations []string

	n := len([]rune(password))
	if n < MinPasswordLen {
		violations = append(violations, fmt.Sprintf("shorter than %d characters", MinPasswordLen))
	}
	if n > MaxPasswordLen {
		violations = append(violations, fmt.Sprintf("longer than %d characters", MaxPasswordLen))
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			special = true
		}
	}
	for _, c := range []struct {
		ok   bool
		name string
	}{{upper, "uppercase letter"}, {lower, "lowercase letter"}, {digit, "digit"}, {special, "special character"}} {
		if !c.ok {
			violations = append(violations, "no "+c.name)
		}
	}

	if _, common := commonPasswords[strings.ToLower(password)]; common {
		violations = append(violations, "too common")
	}

	if len(violations) > 0 {
		return &PasswordValidationError{Violations: violations}
	}
	return nil
}

// HashPassword hashes with the production cost.
func HashPassword(password string) (string, error) {
	return HashPasswordWithCost(password, BcryptCost)
}

// HashPasswordWithCost hashes with an explicit bcrypt cost.
func HashPasswordWithCost(password string, cost int) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// ComparePassword returns nil when password matches the hash.
func ComparePassword(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// CompareDummy burns the same bcrypt work as a real comparison. Call it
// when the account does not exist so unknown and wrong-password failures
// take the same time.
func CompareDummy(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("propguard-dummy-password"), BcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}
