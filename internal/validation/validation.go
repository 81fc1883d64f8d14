// Package validation checks request fields before they reach a service.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stellar/go/strkey"

	"github.com/rentvault/rentvault/internal/amount"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxIdempotencyKeyLength bounds caller-supplied idempotency keys.
const MaxIdempotencyKeyLength = 128

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsPublicKey reports whether s is an account public key (G...).
func IsPublicKey(s string) bool {
	return strkey.IsValidEd25519PublicKey(s)
}

// SanitizeString trims whitespace, strips NUL bytes and truncates to maxLen.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors collects every rejected field of a request.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check runs each rule and returns the failures, or nil.
func Check(rules ...func() *FieldError) FieldErrors {
	var errs FieldErrors
	for _, r := range rules {
		if err := r(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// PublicKey rejects anything but a G... account key. Empty passes; pair
// with Required.
func PublicKey(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" || IsPublicKey(value) {
			return nil
		}
		return &FieldError{Field: field, Message: "must be a valid account public key (G...)"}
	}
}

// Amount requires a positive decimal with at most 7 fractional digits.
func Amount(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if _, err := amount.ParsePositive(value); err != nil {
			return &FieldError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// Currency requires a three-letter upper-case code.
func Currency(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" || currencyRe.MatchString(value) {
			return nil
		}
		return &FieldError{Field: field, Message: "must be a three-letter currency code"}
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *FieldError {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PublicKeyParamMiddleware rejects routes whose :publicKey is malformed.
func PublicKeyParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if pk := c.Param("publicKey"); pk != "" && !IsPublicKey(pk) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_public_key",
				"message": "publicKey must be a valid account public key (G...)",
			})
			return
		}
		c.Next()
	}
}
