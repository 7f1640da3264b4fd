package session

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrBroken means the input channel is unset or the child is gone.
	ErrBroken = errors.New("session: broken channel")
	// ErrNotReady means the operation needs a running child.
	ErrNotReady = errors.New("session: not ready")
	// ErrAlreadyInteracting is returned by a second EnterInteract.
	ErrAlreadyInteracting = errors.New("session: already interacting")
	// ErrNotInteracting is returned by ExitInteract outside interact mode.
	ErrNotInteracting = errors.New("session: not interacting")
	// ErrOutputDropped reports child output lost on the way to the
	// controller.
	ErrOutputDropped = errors.New("session: output dropped")
)

// CreationError is the status of a session whose child could not be
// created.
type CreationError struct {
	Command string
	Err     error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("session: create %q: %v", e.Command, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// Code returns the OS status code behind the failure, or 0 when the
// failure did not come from the OS.
func (e *CreationError) Code() uint32 {
	var errno syscall.Errno
	if errors.As(e.Err, &errno) {
		return uint32(errno)
	}
	return 0
}
