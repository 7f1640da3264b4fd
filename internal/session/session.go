// Package session supervises one child console process: it creates the
// child with an agent attached, turns writes into keystrokes for it, and
// collects its output on queues until it exits.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"conexpect/internal/keymap"
	"conexpect/internal/transport"
	"conexpect/internal/wire"
)

// State is the lifecycle state of a session.
type State int

const (
	Starting State = iota
	Ready
	Interacting
	Exited
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Interacting:
		return "interacting"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type options struct {
	backend Backend
	logger  *slog.Logger
	data    *Queue
	errs    *Queue
	batch   bool
	escapes bool
}

// Option configures Start.
type Option func(*options)

// WithBackend overrides the platform backend.
func WithBackend(b Backend) Option { return func(o *options) { o.backend = b } }

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithQueues hands the session queues owned by the caller.
func WithQueues(data, errs *Queue) Option {
	return func(o *options) { o.data, o.errs = data, errs }
}

// WithInput configures keystroke synthesis: batch packs up to a full slot
// of events per message, escapes translates VT sequences into function
// keys.
func WithInput(batch, escapes bool) Option {
	return func(o *options) { o.batch, o.escapes = batch, escapes }
}

// Session is one supervised child. All methods are safe for concurrent
// use.
type Session struct {
	req     Request
	backend Backend
	logger  *slog.Logger
	data    *Queue
	errs    *Queue
	batch   bool
	escapes bool

	ready chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	state    State
	status   error
	proc     Process
	exitCode int

	// killPending is set by Kill while Starting; run kills the child as
	// soon as it exists.
	killPending bool

	// writeMu serializes writers and guards toChild.
	writeMu sync.Mutex
	toChild transport.Endpoint

	interactMu  sync.Mutex
	interacting bool
	target      uintptr
}

// Start creates the session and begins creating the child in the
// background. Wait on Ready before writing.
func Start(req Request, opts ...Option) *Session {
	o := options{batch: true, escapes: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.backend == nil {
		o.backend = NewBackend(BackendOptions{Logger: o.logger})
	}
	if o.data == nil {
		o.data = NewQueue()
	}
	if o.errs == nil {
		o.errs = NewQueue()
	}
	s := &Session{
		req:     req,
		backend: o.backend,
		logger:  o.logger,
		data:    o.data,
		errs:    o.errs,
		batch:   o.batch,
		escapes: o.escapes,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Spawn starts a session and waits until the child is running or
// creation has failed. On failure the session is returned with the error.
func Spawn(ctx context.Context, req Request, opts ...Option) (*Session, error) {
	s := Start(req, opts...)
	select {
	case <-s.ready:
		return s, s.Status()
	case <-ctx.Done():
		s.Kill()
		return s, ctx.Err()
	}
}

// run is the lifecycle goroutine. It alone moves the base state.
func (s *Session) run() {
	// Windows delivers debug events to the creating thread only.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	proc, err := s.backend.Spawn(s.req)
	if err != nil {
		cerr := &CreationError{Command: s.req.Command(), Err: err}
		s.mu.Lock()
		s.state = Failed
		s.status = cerr
		s.mu.Unlock()
		s.logger.Error("child creation failed", "command", s.req.Command(), "error", err)
		s.errs.Put(Message{Kind: Error, Bytes: []byte(cerr.Error()), Err: cerr})
		close(s.ready)
		return
	}
	logger := s.logger.With("pid", proc.Pid())

	opener := proc.Transport()
	to, err := opener.Create(transport.ToChildName(proc.Pid()), transport.ToChildSlots, wire.InputSlotSize)
	if err != nil {
		s.transportError("input channel unavailable", err)
		to = nil
	}
	from, err := opener.Create(transport.FromChildName(proc.Pid()), transport.FromChildSlots, wire.OutputSlotSize)
	if err != nil {
		s.transportError("output channel unavailable", err)
		from = nil
	}

	s.writeMu.Lock()
	s.toChild = to
	s.writeMu.Unlock()
	s.mu.Lock()
	s.proc = proc
	s.state = Ready
	kill := s.killPending
	s.mu.Unlock()
	logger.Info("child ready", "command", s.req.Command())
	close(s.ready)
	if kill {
		logger.Info("killing child, kill requested during creation")
		if err := proc.Kill(); err != nil {
			logger.Warn("kill child", "error", err)
		}
	}

	var fwd *forwarder
	fwdDone := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	if from != nil {
		fwd = newForwarder(from, s.data, s.errs, logger)
		go func() {
			defer close(fwdDone)
			fwd.run(ctx)
		}()
	} else {
		close(fwdDone)
	}

	code, err := proc.Wait()
	if err != nil {
		logger.Warn("wait for child", "error", err)
	}
	cancel()
	<-fwdDone
	if fwd != nil {
		fwd.drain()
		from.Close()
	}

	s.writeMu.Lock()
	if s.toChild != nil {
		s.toChild.Close()
		s.toChild = nil
	}
	s.writeMu.Unlock()
	s.mu.Lock()
	s.state = Exited
	s.exitCode = code
	s.mu.Unlock()
	if err := proc.Release(); err != nil {
		logger.Warn("release child", "error", err)
	}
	logger.Info("child exited", "exit_code", code)
	s.data.Put(Message{Kind: Done, ExitCode: code})
}

func (s *Session) transportError(msg string, err error) {
	s.logger.Warn(msg, "error", err)
	err = fmt.Errorf("%s: %w", msg, err)
	s.errs.Put(Message{Kind: Error, Bytes: []byte(err.Error()), Err: err})
}

// Ready is closed once the child is running or creation has failed.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed once the session is inert.
func (s *Session) Done() <-chan struct{} { return s.done }

// DataQueue carries output and the final Done marker.
func (s *Session) DataQueue() *Queue { return s.data }

// ErrorQueue carries output-path and setup failures.
func (s *Session) ErrorQueue() *Queue { return s.errs }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == Ready {
		s.interactMu.Lock()
		defer s.interactMu.Unlock()
		if s.interacting {
			return Interacting
		}
	}
	return st
}

// Status returns the creation failure, or nil.
func (s *Session) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Pid returns the child's pid, or 0 before it is running.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Handles returns the child's OS handles.
func (s *Session) Handles() Handles {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return Handles{}
	}
	return s.proc.Handles()
}

// ExitCode returns the child's exit code once Exited.
func (s *Session) ExitCode() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.state == Exited
}

// live returns the input endpoint if the child can still take input.
// The caller holds writeMu.
func (s *Session) live() (transport.Endpoint, error) {
	s.mu.Lock()
	proc, state := s.proc, s.state
	s.mu.Unlock()
	if state == Starting {
		return nil, ErrNotReady
	}
	if s.toChild == nil || proc == nil || state != Ready || !proc.Alive() {
		return nil, ErrBroken
	}
	return s.toChild, nil
}

func postTo(ep transport.Endpoint) func(*wire.InputMessage) error {
	return func(m *wire.InputMessage) error {
		buf, err := m.MarshalBinary()
		if err != nil {
			return err
		}
		if err := ep.Post(buf); err != nil {
			if errors.Is(err, transport.ErrBroken) || errors.Is(err, transport.ErrClosed) {
				return fmt.Errorf("%w: %w", ErrBroken, err)
			}
			return err
		}
		return nil
	}
}

// Write types p into the child and returns how many bytes were delivered.
// A full channel is reported as transport.ErrFull; the caller may retry
// with the remainder.
func (s *Session) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ep, err := s.live()
	if err != nil {
		return 0, err
	}
	w := &keymap.Writer{Post: postTo(ep), Unbatched: !s.batch, Escapes: s.escapes}
	return w.Write(p)
}

// WriteMessage posts a prepared input message, bypassing synthesis.
func (s *Session) WriteMessage(m *wire.InputMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ep, err := s.live()
	if err != nil {
		return err
	}
	return postTo(ep)(m)
}

// WriteKey presses and releases a function key.
func (s *Session) WriteKey(k keymap.FunctionKey) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ep, err := s.live()
	if err != nil {
		return err
	}
	return keymap.PostKey(postTo(ep), k)
}

// Interrupt raises Ctrl+C in the child's console.
func (s *Session) Interrupt() error {
	return s.WriteMessage(wire.NewCtrlEvent(wire.CtrlC))
}

// EnterInteract marks the session as driven directly from console.
func (s *Session) EnterInteract(console uintptr) error {
	s.interactMu.Lock()
	defer s.interactMu.Unlock()
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != Ready {
		return fmt.Errorf("%w: %s", ErrNotReady, st)
	}
	if s.interacting {
		return ErrAlreadyInteracting
	}
	s.interacting = true
	s.target = console
	return nil
}

// ExitInteract leaves interact mode.
func (s *Session) ExitInteract() error {
	s.interactMu.Lock()
	defer s.interactMu.Unlock()
	if !s.interacting {
		return ErrNotInteracting
	}
	s.interacting = false
	s.target = 0
	return nil
}

// InteractConsole returns the console passed to EnterInteract while
// interacting.
func (s *Session) InteractConsole() (uintptr, bool) {
	s.interactMu.Lock()
	defer s.interactMu.Unlock()
	return s.target, s.interacting
}

// Kill terminates the child. The session reaches Exited as usual. Called
// while Starting, the child is killed as soon as creation completes.
func (s *Session) Kill() error {
	s.mu.Lock()
	proc, state := s.proc, s.state
	if state == Starting {
		s.killPending = true
	}
	s.mu.Unlock()
	if proc == nil || state == Exited || !proc.Alive() {
		return nil
	}
	return proc.Kill()
}

// Close kills the child and waits for the session to finish.
func (s *Session) Close() error {
	<-s.ready
	err := s.Kill()
	<-s.done
	return err
}
