package mutex

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation marks a broken protocol invariant. Continuing after
	// one risks unsafe admission, so Run stops.
	ErrProtocolViolation = errors.New("mutex: protocol invariant violated")
	// ErrTransportClosed is returned once the receive endpoint is gone.
	ErrTransportClosed = errors.New("mutex: transport closed")
	ErrNotInitialized  = errors.New("mutex: process not initialized")
)

// InvariantError describes which invariant failed and where.
type InvariantError struct {
	Process ProcessID
	Op      string
	Detail  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("state error in %s (%s): %s", e.Op, e.Process, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return ErrProtocolViolation
}
