package services

import (
	"fmt"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateRule checks a rule's shape. Misconfigured rules are wiring bugs.
func ValidateRule(rule models.RateLimitRule) error {
	if err := validate.Struct(rule); err != nil {
		return fmt.Errorf("%w %q: %v", models.ErrInvalidRule, rule.Name, err)
	}
	return nil
}

func mustValidateRule(rule models.RateLimitRule) {
	if err := ValidateRule(rule); err != nil {
		panic(err)
	}
}

func mustIdentifier(kind, value string) {
	if value == "" {
		panic(fmt.Sprintf("%s must not be empty", kind))
	}
}
