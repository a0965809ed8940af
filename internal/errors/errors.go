// Package errors provides structured error types for the chat service.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotConfigured = errors.New("not configured")
	ErrNotFound      = errors.New("document not found")
	ErrTimeout       = errors.New("operation timed out")
	ErrAuthFailure   = errors.New("authentication failed")
	ErrRateLimit     = errors.New("rate limit exceeded")
	ErrUnavailable   = errors.New("service unavailable")
	ErrInvalidInput  = errors.New("invalid input")
)

// APIError represents an error from an external API call.
type APIError struct {
	Service    string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s API error (status %d): %s: %v", e.Service, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(service string, statusCode int, message string) *APIError {
	return &APIError{Service: service, StatusCode: statusCode, Message: message}
}

// CallError is a remote call that kept failing until the attempt budget ran out.
type CallError struct {
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// PersistenceError records which store operation failed and on what collection.
type PersistenceError struct {
	Op         string
	Collection string
	Err        error
}

func (e *PersistenceError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError. Returns nil if err is nil.
func Persistence(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Collection: collection, Err: err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}

// IsNotFound reports whether err means the looked-up document is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
