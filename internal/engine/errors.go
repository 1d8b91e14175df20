package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("engine client closed")
	// ErrApprovalNotFound means the approval id is unknown or already resolved.
	ErrApprovalNotFound = errors.New("approval not found")
)

// ProcessStartError reports a failure to spawn the engine or to complete the
// initialize handshake.
type ProcessStartError struct {
	Command string
	Err     error
}

func (e *ProcessStartError) Error() string {
	return fmt.Sprintf("start engine %q: %v", e.Command, e.Err)
}

func (e *ProcessStartError) Unwrap() error { return e.Err }
