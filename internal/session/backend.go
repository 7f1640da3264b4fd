package session

import (
	"log/slog"
	"strings"

	"conexpect/internal/transport"
)

// Default console geometry of a new child.
const (
	defaultCols = 80
	defaultRows = 25
)

// Request describes the child to create. The session reads it only until
// creation completes.
type Request struct {
	// Args is the argument vector; Args[0] is the program.
	Args []string
	// CommandLine is used verbatim when Args is empty. On POSIX it is run
	// by /bin/sh -c.
	CommandLine string
	// Env is the child environment; nil inherits the controller's.
	Env []string
	// Dir is the working directory; empty inherits the controller's.
	Dir string
	// Show makes the child's console window visible (windows only).
	Show bool
}

// Command returns a printable form of the request.
func (r Request) Command() string {
	if len(r.Args) > 0 {
		return strings.Join(r.Args, " ")
	}
	return r.CommandLine
}

// Handles are the OS handles exposed by a running session. Zero means
// unavailable on this platform.
type Handles struct {
	Process      uintptr
	Console      uintptr
	ScreenBuffer uintptr
}

// Process is a child created by a Backend.
type Process interface {
	Pid() int
	Handles() Handles
	// Transport opens the mailboxes shared with the child's agent.
	Transport() transport.Opener
	// Wait blocks until the child exits and all of its console output
	// has been handed to the agent, then returns the exit code. It must be
	// called from the goroutine that called Spawn.
	Wait() (int, error)
	Alive() bool
	Kill() error
	// Release frees OS resources after Wait.
	Release() error
}

// Backend creates children with an agent attached.
type Backend interface {
	Spawn(req Request) (Process, error)
}

// BackendOptions configures the platform backend.
type BackendOptions struct {
	// AgentPath locates the agent library injected into windows children.
	AgentPath string
	Logger    *slog.Logger
}
