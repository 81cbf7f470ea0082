package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrDuplicate    = errors.New("duplicate")
	ErrInvalidInput = errors.New("invalid input")
	ErrInternal     = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeProvider   ErrorType = "provider"
	ErrorTypeInternal   ErrorType = "internal"
)

// ProviderError is a structured error for calls to an external provider
// (Stripe, Boxtal, SMTP, S3). It keeps enough context for the admin-alert
// path to describe what failed without re-deriving it at every call site.
type ProviderError struct {
	Type       ErrorType
	Provider   string // "stripe", "boxtal", "smtp", "s3"
	Op         string // operation that failed (e.g. "create_order", "list_line_items")
	StatusCode int    // HTTP status code if applicable
	Err        error
	Timestamp  time.Time
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s failed (HTTP %d): %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *ProviderError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized, ErrForbidden:
		return e.Type == ErrorTypeAuth
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	}
	return errors.Is(e.Err, target)
}

// NewProviderError creates a ProviderError.
func NewProviderError(errorType ErrorType, provider, op string, err error) *ProviderError {
	return &ProviderError{
		Type:      errorType,
		Provider:  provider,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithStatusCode adds the HTTP status code to the error.
func (e *ProviderError) WithStatusCode(code int) *ProviderError {
	e.StatusCode = code
	if code == 404 {
		e.Type = ErrorTypeNotFound
	}
	return e
}
