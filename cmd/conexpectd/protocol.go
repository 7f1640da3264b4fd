package main

// Message types on the wire. Every line is one JSON object with a "type".
const (
	typeCreate    = "create"
	typeWrite     = "write"
	typeKey       = "key"
	typeInterrupt = "interrupt"
	typeInteract  = "interact"
	typeDestroy   = "destroy"
	typeList      = "list"
	typeAttach    = "attach"
	typeDetach    = "detach"

	typeCreated  = "created"
	typeData     = "data"
	typeStatus   = "status"
	typeExit     = "exit"
	typeListed   = "listed"
	typeAttached = "attached"
	typeError    = "error"
)

// --- Client → Daemon requests ---

// CreateRequest asks the daemon to start a child with an agent attached.
// The server assigns the session ID. Args wins over CommandLine when both
// are set. A nil Env inherits the daemon's environment.
type CreateRequest struct {
	Type        string            `json:"type"`
	Args        []string          `json:"args,omitempty"`
	CommandLine string            `json:"commandLine,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Show        bool              `json:"show,omitempty"`
}

// WriteRequest types text into the child's console.
type WriteRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data string `json:"data"`
}

// KeyRequest presses a named function key, e.g. "up" or "f5".
type KeyRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Key  string `json:"key"`
}

// InterruptRequest raises Ctrl+C in the child's console.
type InterruptRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// InteractRequest enters or leaves interact mode. Console is the handle
// of the console the session is driven from while interacting.
type InteractRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Enable  bool   `json:"enable"`
	Console uint64 `json:"console,omitempty"`
}

// DestroyRequest kills a session and forgets it.
type DestroyRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ListRequest asks for all sessions (running and recently exited).
type ListRequest struct {
	Type string `json:"type"`
}

// AttachRequest subscribes the client to a session's output.
// The response carries the retained scrollback for replay.
type AttachRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DetachRequest unsubscribes the client from a session's output.
type DetachRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// --- Daemon → Client responses ---

// CreatedResponse confirms a session was created. The creator is
// auto-attached.
type CreatedResponse struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Pid  int    `json:"pid"`
}

// ErrorResponse reports an error for a request.
type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// DataEvent delivers console output to attached clients.
type DataEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data string `json:"data"`
}

// StatusEvent relays a message from the session's error queue, such as
// output the agent had to drop.
type StatusEvent struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ExitEvent reports that a session's child exited.
type ExitEvent struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
	Pid      int    `json:"pid"`
}

// ListResponse returns all known sessions.
type ListResponse struct {
	Type     string        `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
}

// SessionInfo describes a single session.
type SessionInfo struct {
	ID       string `json:"id"`
	Pid      int    `json:"pid"`
	Command  string `json:"command"`
	State    string `json:"state"`
	Alive    bool   `json:"alive"`
	ExitCode int    `json:"exitCode"`
}

// AttachedResponse confirms attachment and provides the scrollback.
type AttachedResponse struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Scrollback string `json:"scrollback"`
}

// event is the union clients decode daemon lines into.
type event struct {
	Type       string        `json:"type"`
	ID         string        `json:"id"`
	Pid        int           `json:"pid"`
	Data       string        `json:"data"`
	Message    string        `json:"message"`
	ExitCode   int           `json:"exitCode"`
	Scrollback string        `json:"scrollback"`
	Sessions   []SessionInfo `json:"sessions"`
}
