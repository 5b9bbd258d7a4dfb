package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrNotReady indicates a dial attempt before device registration.
	ErrNotReady = errors.New("device not ready")

	// ErrNoActiveCall indicates an operation requiring a tracked connection.
	ErrNoActiveCall = errors.New("no active call")

	// ErrInvalidState indicates an invalid status for the operation.
	ErrInvalidState = errors.New("invalid state for operation")
)

// OriginateError wraps a device-level failure while placing a call.
type OriginateError struct {
	Target string
	Cause  error
}

// Error returns the error message.
func (e *OriginateError) Error() string {
	return fmt.Sprintf("originate %s: %v", e.Target, e.Cause)
}

// Unwrap returns the underlying error.
func (e *OriginateError) Unwrap() error {
	return e.Cause
}

// StateTransitionError indicates an operation attempted in a status it
// is not valid for.
type StateTransitionError struct {
	Op     string
	Status CallStatus
}

// Error returns the error message.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("%s: not valid in status %s", e.Op, e.Status)
}

// Unwrap returns ErrInvalidState.
func (e *StateTransitionError) Unwrap() error {
	return ErrInvalidState
}
