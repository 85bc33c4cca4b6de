package jsonbase

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound    = errors.New("object not found")
	ErrConflict    = errors.New("remote version has advanced")
	ErrNotModified = errors.New("object not modified")
	ErrInvalidData = errors.New("invalid data format")

	// Backend errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized access")

	// Write queue errors
	ErrQueueExhausted = errors.New("write retries exhausted")
	ErrQueueClosed    = errors.New("write queue closed")
	ErrQueueFull      = errors.New("write queue full")
	ErrWriteDeadline  = errors.New("write deadline exceeded")

	// Validation errors
	ErrSchemaValidation = errors.New("schema validation failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error is a concurrent modification conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotModified checks if a conditional get hit the caller's cached version
func IsNotModified(err error) bool {
	return errors.Is(err, ErrNotModified)
}

// IsSchemaValidation checks if an error came from the pre-network schema gate
func IsSchemaValidation(err error) bool {
	return errors.Is(err, ErrSchemaValidation)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrBackendUnavailable)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrSchemaValidation) ||
		errors.Is(err, ErrInvalidConfig)
}
