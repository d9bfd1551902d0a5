package session

import (
	"errors"
)

var (
	// ErrSessionNotFound is returned by stores when no session matches.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned by stores when a conditional update
	// found the session outside the required state.
	ErrSessionNotActive = errors.New("session not active")

	// ErrRotationConflict is returned when a refresh lost a race with another
	// refresh of the same token.
	ErrRotationConflict = errors.New("refresh rotation conflict")

	// ErrStoreUnavailable is returned when the session store fails. Details
	// are logged, never returned.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrInvalidRole is returned when Create is called with an unknown role.
	ErrInvalidRole = errors.New("invalid role")

	// ErrInvalidInput is returned for malformed operation input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// OpError wraps a failed store operation. Its message names the operation only.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return "session " + e.Op + ": " + e.Kind.Error()
}

// Unwrap exposes Kind to errors.Is. The underlying cause stays private.
func (e *OpError) Unwrap() error { return e.Kind }

// Cause returns the underlying store error for server-side logging.
func (e *OpError) Cause() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func storeError(op string, err error) error {
	return &OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
}
