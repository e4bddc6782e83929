package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session, interface, rule or alert id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCapacityExceeded is returned when the running-session limit is reached.
	ErrCapacityExceeded = errors.New("maximum capture sessions reached")
	// ErrInvalidTransition is returned for lifecycle moves the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvalidInput is returned for malformed rules, filters and requests.
	ErrInvalidInput = errors.New("invalid input")
)

// TransientStoreError marks a single failed capture cycle. It is recovered
// locally by the session task and never reaches the caller of start/stop.
type TransientStoreError struct {
	SessionID string
	Err       error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error for session %s: %v", e.SessionID, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}
