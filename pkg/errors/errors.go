package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingField indicates that a raw record lacks a structurally required field
	ErrMissingField = errors.New("missing required field")

	// ErrNotFound indicates that the requested remote resource does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrRateLimited indicates that the platform API throttled the request
	ErrRateLimited = errors.New("rate limited")

	// ErrUnexpectedStatus indicates a non-2xx HTTP response
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrInvalidConfig indicates that the configuration is incomplete or inconsistent
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPartitionFailed indicates that a partition exhausted its retries
	ErrPartitionFailed = errors.New("partition failed")
)

// Error represents a structured error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// MissingField builds the error returned when a raw record lacks field.
// record identifies the offending record (a run id, for instance).
func MissingField(record, field string) *Error {
	return &Error{
		Code:    "MISSING_FIELD",
		Message: fmt.Sprintf("record %s has no %q field", record, field),
		Err:     ErrMissingField,
	}
}

// RateLimitError is returned when the API answers 429.
type RateLimitError struct {
	// RetryAfter is the delay requested by the server, zero when not given
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// Unwrap makes errors.Is(err, ErrRateLimited) hold
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// IsRateLimited checks if an error is a rate limit error
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// RetryAfter extracts the server-requested delay from a rate limit error
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsMissingField checks if an error is an input-contract violation
func IsMissingField(err error) bool {
	return errors.Is(err, ErrMissingField)
}
