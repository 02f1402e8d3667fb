// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Input errors.
	ErrInvalidInput = errors.New("invalid input")

	// Session errors.
	ErrSessionNotFound = errors.New("session not found")
	ErrStaleSession    = errors.New("session modified by another writer")
	ErrInvalidState    = errors.New("operation not allowed in current session state")

	// Stage errors.
	ErrMaxRetries    = errors.New("max retries exceeded")
	ErrRateLimit     = errors.New("rate limit exceeded")
	ErrEmptyResponse = errors.New("stage returned no usable items")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
)

// RetryableError wraps an error with retry-specific metadata.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// UserError represents an error that should be shown to the user.
type UserError struct {
	Err         error
	UserMessage string
}

func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.UserMessage, e.Err)
	}
	return e.UserMessage
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// NewUserError creates a new user-friendly error.
func NewUserError(userMessage string, err error) error {
	return &UserError{
		UserMessage: userMessage,
		Err:         err,
	}
}

// IsRetryable determines if an error should trigger another attempt. Timeouts
// and transport failures are retryable; a malformed or empty stage response
// is not, and failing fast surfaces it to the failed-batch list immediately.
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	if errors.Is(err, ErrRateLimit) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, ErrEmptyResponse) || errors.Is(err, context.Canceled) {
		return false
	}

	// Unclassified errors are assumed transient (transport failures mostly
	// arrive as plain wrapped errors from net/http).
	return true
}
