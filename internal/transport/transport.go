// Package transport provides bounded, named mailboxes that connect the
// controller with the agent inside a child process.
//
// A mailbox has a fixed number of fixed-size slots. Producers never wait
// for space: a post against a full mailbox fails with ErrFull and the
// caller decides what to do. Consumers block until a message arrives or
// their context is cancelled.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Slot counts used for the two directions of a session.
const (
	ToChildSlots   = 50
	FromChildSlots = 20
)

var (
	// ErrFull means every slot is occupied.
	ErrFull = errors.New("transport: channel full")
	// ErrBroken means the peer has gone away.
	ErrBroken = errors.New("transport: broken channel")
	// ErrClosed means this endpoint has been closed.
	ErrClosed = errors.New("transport: endpoint closed")
	// ErrCancelled means a receive was interrupted by its cancel signal.
	ErrCancelled = errors.New("transport: receive cancelled")
	// ErrEmpty means a non-blocking receive found nothing.
	ErrEmpty = errors.New("transport: channel empty")
	// ErrGeometry means the name is bound with a different slot layout.
	ErrGeometry = errors.New("transport: name bound with different geometry")
	// ErrTooLarge means a message does not fit in one slot.
	ErrTooLarge = errors.New("transport: message exceeds slot size")
)

// Endpoint is one process's handle on a named mailbox.
type Endpoint interface {
	// Name returns the mailbox name.
	Name() string
	// SlotSize returns the size of one slot in bytes.
	SlotSize() int
	// Post copies msg into a free slot.
	Post(msg []byte) error
	// Receive blocks until a message is available or ctx is done. On
	// cancellation it returns ErrCancelled and consumes nothing.
	Receive(ctx context.Context) ([]byte, error)
	// TryReceive returns the next message or ErrEmpty.
	TryReceive() ([]byte, error)
	// Close releases this handle. The peer sees ErrBroken.
	Close() error
}

// Opener creates or attaches to named mailboxes.
type Opener interface {
	// Create binds name with the given geometry, or attaches to an
	// existing mailbox with the same geometry.
	Create(name string, slots, slotSize int) (Endpoint, error)
}

// ToChildName names the mailbox carrying input to the child with pid.
func ToChildName(pid int) string {
	return fmt.Sprintf("conexpect-input-%d", pid)
}

// FromChildName names the mailbox carrying output from the child with pid.
func FromChildName(pid int) string {
	return fmt.Sprintf("conexpect-output-%d", pid)
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
