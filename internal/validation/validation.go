// Package validation provides request validation helpers for the escrowd API.
package validation

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxAmountDecimals is the number of fractional digits allowed in amounts
// (minor units of NGN, GHS, KES and USD).
const MaxAmountDecimals = 2

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, drops null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check is a single field rule; it returns nil when the value is acceptable.
type Check func() *ValidationError

// Validate runs checks and returns every failure, or nil when all pass.
func Validate(checks ...Check) error {
	var errs ValidationErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) Check {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MinLength checks a trimmed string has at least min characters.
func MinLength(field, value string, min int) Check {
	return func() *ValidationError {
		if len([]rune(strings.TrimSpace(value))) < min {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be at least %d characters", min)}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) Check {
	return func() *ValidationError {
		if len([]rune(value)) > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", max)}
		}
		return nil
	}
}

// OneOf checks value is one of allowed.
func OneOf(field, value string, allowed ...string) Check {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// PositiveAmount checks amount > 0 with at most MaxAmountDecimals fractional digits.
func PositiveAmount(field string, amount decimal.Decimal) Check {
	return func() *ValidationError {
		if !amount.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		if !amount.Equal(amount.Truncate(MaxAmountDecimals)) {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must have at most %d decimal places", MaxAmountDecimals)}
		}
		return nil
	}
}

// NonNegativeAmount checks amount >= 0 with at most MaxAmountDecimals fractional digits.
func NonNegativeAmount(field string, amount decimal.Decimal) Check {
	return func() *ValidationError {
		if amount.IsNegative() {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		if !amount.Equal(amount.Truncate(MaxAmountDecimals)) {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must have at most %d decimal places", MaxAmountDecimals)}
		}
		return nil
	}
}

// MaxAmount checks amount <= max.
func MaxAmount(field string, amount, max decimal.Decimal) Check {
	return func() *ValidationError {
		if amount.GreaterThan(max) {
			return &ValidationError{Field: field, Message: "exceeds the maximum of " + max.String()}
		}
		return nil
	}
}

// IntRange checks min <= value <= max.
func IntRange(field string, value, min, max int) Check {
	return func() *ValidationError {
		if value < min || value > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
		}
		return nil
	}
}

// When runs check only if cond holds.
func When(cond bool, check Check) Check {
	return func() *ValidationError {
		if !cond {
			return nil
		}
		return check()
	}
}
