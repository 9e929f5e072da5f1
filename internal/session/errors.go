package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInProgress is informational: Start was called while an attempt is live.
	ErrAlreadyInProgress = errors.New("session start already in progress")

	// ErrRetriesExhausted is terminal until Restart is called.
	ErrRetriesExhausted = errors.New("session retries exhausted")

	// ErrNotReady is transient; poll the status and retry later.
	ErrNotReady = errors.New("session not ready")

	ErrInvalidDestination = errors.New("invalid destination")
	ErrFileNotFound       = errors.New("attachment file not found")

	// ErrTransport matches any *TransportError.
	ErrTransport = errors.New("transport error")

	// ErrStopped is returned when the supervisor loop is no longer running.
	ErrStopped = errors.New("session supervisor stopped")
)

// TransportError reports a send failure while the session looked ready.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
