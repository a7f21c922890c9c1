package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name      string
		password  string
		violation string
	}{
		{"strong passphrase", "Sufficiently-Long-Passphrase-42!", ""},
		{"strong with symbols", "Tr0ub4dor&3xyz", ""},
		{"too short", "Sh0rt!pass", "shorter than 12 characters"},
		{"too long", "Aa1!" + strings.Repeat("x", 130), "longer than 128 characters"},
		{"missing uppercase", "lowercase-only-42", "no uppercase letter"},
		{"missing lowercase", "UPPERCASE-ONLY-42", "no lowercase letter"},
		{"missing digit", "No-Digits-Here-At-All", "no digit"},
		{"missing special", "NoSpecialChars42", "no special character"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if tt.violation == "" {
				assert.NoError(t, err)
				return
			}

			var pve *PasswordValidationError
			require.True(t, errors.As(err, &pve))
			assert.Contains(t, pve.Violations, tt.violation)
			assert.Equal(t, "invalid password", err.Error(), "message must not reveal the policy")
		})
	}
}

func TestValidatePassword_DenyList(t *testing.T) {
	commonPasswords["correct-horse-42"] = struct{}{}
	defer delete(commonPasswords, "correct-horse-42")

	var pve *PasswordValidationError
	require.True(t, errors.As(ValidatePassword("Correct-Horse-42"), &pve))
	assert.Equal(t, []string{"too common"}, pve.Violations)
}

func TestHashAndComparePassword(t *testing.T) {
	password := "Sufficiently-Long-Passphrase-42!"

	hash, err := HashPasswordWithCost(password, bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, password, hash)

	assert.NoError(t, ComparePassword(hash, password))
	assert.Error(t, ComparePassword(hash, "Wrong-Passphrase-42!"))
}

func TestHashPassword_RejectsEmpty(t *testing.T) {
	_, err := HashPasswordWithCost("", bcrypt.MinCost)
	assert.Error(t, err)
}

func TestCompareDummy_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		CompareDummy("anything")
		CompareDummy("")
	})
}
