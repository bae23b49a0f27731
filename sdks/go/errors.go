package keywarden

import (
	"errors"
	"fmt"
	"math/big"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrDenied is returned when an authorize call is denied by the
	// key's policy.
	ErrDenied = errors.New("authorization denied")

	// ErrNotFound is returned when the account has no key with the
	// given ID.
	ErrNotFound = errors.New("session key not found")

	// ErrServerUnreachable is returned when the keywarden server cannot
	// be contacted.
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is returned for non-2xx HTTP responses that do not map to a
// more specific error.
type APIError struct {
	// StatusCode is the HTTP status returned by the server.
	StatusCode int
	// Message is the server's error message.
	Message string
}

// Error returns the error message.
func (e *APIError) Error() string {
	return fmt.Sprintf("keywarden: server returned %d: %s", e.StatusCode, e.Message)
}

// DeniedError is returned when Authorize is denied. It carries the
// decision details so callers can report the failed gate.
type DeniedError struct {
	// Reason names the policy gate that denied the request.
	Reason string
	// Limit is the cap that denied the request, when a cap did.
	Limit *big.Int
	// Attempted is the value the request tried to spend.
	Attempted *big.Int
	// RemainingDaily is the budget left today.
	RemainingDaily *big.Int
}

// Error returns a human-readable description of the denial.
func (e *DeniedError) Error() string {
	if e.Limit != nil && e.Attempted != nil {
		return fmt.Sprintf("authorization denied (%s): attempted %s, limit %s", e.Reason, e.Attempted, e.Limit)
	}
	return fmt.Sprintf("authorization denied (%s)", e.Reason)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrDenied).
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// NotFoundError is returned for 404 responses on lifecycle operations.
type NotFoundError struct {
	// Message is the server's error message.
	Message string
}

// Error returns the error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("keywarden: %s", e.Message)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrNotFound).
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ServerUnreachableError is returned when the keywarden server cannot
// be contacted.
type ServerUnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description of the transport failure.
func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying error cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
