// Package validation holds small input checks shared by the HTTP
// handlers and the domain services.
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation wraps all validation failures so handlers can map them
// to a 400 with errors.Is.
var ErrValidation = errors.New("validation failed")

// Failf builds a validation error with a field name and reason.
func Failf(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, fmt.Sprintf(format, args...))
}

// Required checks that a trimmed string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return Failf(field, "is required")
	}
	return nil
}

// MaxLen checks that a string does not exceed n characters.
func MaxLen(field, value string, n int) error {
	if len(value) > n {
		return Failf(field, "must be at most %d characters", n)
	}
	return nil
}

// OneOf checks membership in an allowed set.
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return Failf(field, "must be one of %s", strings.Join(allowed, ", "))
}
