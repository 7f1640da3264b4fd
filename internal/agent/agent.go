// Package agent runs inside a child process. It mirrors the child's
// console output to the controller and replays the controller's input
// into the child's console.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"conexpect/internal/transport"
	"conexpect/internal/wire"
)

// Console is the child's own console as seen from inside the process.
type Console interface {
	// WriteInput appends key events to the console input buffer.
	WriteInput(evs []wire.KeyEvent) error
	// RaiseCtrl raises a control event (wire.CtrlC, wire.CtrlBreak) in
	// the process group sharing the console.
	RaiseCtrl(event uint32) error
}

// Observer receives every console write after the real write returns.
// err is the outcome of the real write.
type Observer interface {
	ObserveNarrow(p []byte, err error)
	ObserveWide(p []uint16, err error)
}

// Interceptor attaches an Observer to the process's console output
// primitives.
type Interceptor interface {
	Install(Observer) error
	Uninstall() error
}

// ControllerPidEnv names the environment variable through which the
// controller tells the agent its pid.
const ControllerPidEnv = "CONEXPECT_CONTROLLER_PID"

const (
	defaultPostRetries = 3
	defaultRetryDelay  = 2 * time.Millisecond
)

// Config describes one agent.
type Config struct {
	// Pid names the mailboxes; it is the pid of the hosting process.
	Pid    int
	Opener transport.Opener
	// Console receives replayed input. A nil Console leaves the input
	// direction unopened.
	Console Console
	// Interceptor is optional; without it nothing is mirrored.
	Interceptor Interceptor
	Logger      *slog.Logger

	// PostRetries bounds how often a mirrored chunk is retried against a
	// full mailbox before it is counted as dropped.
	PostRetries int
	RetryDelay  time.Duration
}

// Agent is the per-process agent state. Create one with New.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	// mu serializes mirrored posts so chunks of one write stay together.
	mu        sync.Mutex
	out       transport.Endpoint
	dropped   uint32
	installed bool

	in     transport.Endpoint
	cancel context.CancelFunc
	done   chan struct{}

	attached bool
}

// New returns an unattached agent.
func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PostRetries <= 0 {
		cfg.PostRetries = defaultPostRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Agent{
		cfg:    cfg,
		logger: cfg.Logger.With("pid", cfg.Pid),
	}
}

// Attach opens both mailboxes, installs the interceptor and starts the
// receive goroutine. A mailbox that cannot be opened only disables its
// direction; that is logged, not returned.
func (a *Agent) Attach() error {
	if a.cfg.Opener == nil {
		return errors.New("agent: no transport opener")
	}
	if a.attached {
		return errors.New("agent: already attached")
	}
	a.attached = true

	out, err := a.cfg.Opener.Create(transport.FromChildName(a.cfg.Pid), transport.FromChildSlots, wire.OutputSlotSize)
	if err != nil {
		a.logger.Warn("output mirroring disabled", "error", err)
	} else {
		a.mu.Lock()
		a.out = out
		a.mu.Unlock()
		if a.cfg.Interceptor != nil {
			if err := a.cfg.Interceptor.Install(a); err != nil {
				a.logger.Warn("console interception failed", "error", err)
			} else {
				a.installed = true
			}
		}
	}

	if a.cfg.Console == nil {
		return nil
	}
	in, err := a.cfg.Opener.Create(transport.ToChildName(a.cfg.Pid), transport.ToChildSlots, wire.InputSlotSize)
	if err != nil {
		a.logger.Warn("input replay disabled", "error", err)
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.in = in
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.receive(ctx)
	a.logger.Debug("agent attached")
	return nil
}

// Detach uninstalls the interceptor, stops the receive goroutine and
// waits for it, then releases both mailboxes.
func (a *Agent) Detach() error {
	if !a.attached {
		return nil
	}
	a.attached = false

	var errs []error
	if a.installed {
		if err := a.cfg.Interceptor.Uninstall(); err != nil {
			errs = append(errs, fmt.Errorf("agent: uninstall: %w", err))
		}
		a.installed = false
	}
	if a.cancel != nil {
		a.cancel()
		<-a.done
		a.cancel = nil
	}
	if a.in != nil {
		a.in.Close()
		a.in = nil
	}

	a.mu.Lock()
	if a.out != nil {
		a.out.Close()
		a.out = nil
	}
	a.mu.Unlock()
	a.logger.Debug("agent detached")
	return errors.Join(errs...)
}

func (a *Agent) receive(ctx context.Context) {
	defer close(a.done)
	for {
		buf, err := a.in.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrCancelled):
			case errors.Is(err, transport.ErrBroken):
				a.logger.Debug("controller went away")
			default:
				a.logger.Warn("input receive failed", "error", err)
			}
			return
		}
		var msg wire.InputMessage
		if err := msg.UnmarshalBinary(buf); err != nil {
			a.logger.Warn("discarding input message", "error", err)
			continue
		}
		a.deliver(&msg)
	}
}

func (a *Agent) deliver(msg *wire.InputMessage) {
	switch msg.Kind {
	case wire.InputRecords:
		if len(msg.Events) == 0 {
			return
		}
		if err := a.cfg.Console.WriteInput(msg.Events); err != nil {
			a.logger.Warn("write console input", "events", len(msg.Events), "error", err)
		}
	case wire.CtrlEvent:
		if err := a.cfg.Console.RaiseCtrl(msg.Event); err != nil {
			a.logger.Warn("raise control event", "event", msg.Event, "error", err)
		}
	}
}

// ObserveNarrow implements Observer.
func (a *Agent) ObserveNarrow(p []byte, err error) {
	if err != nil || len(p) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(p) > 0 {
		n := min(len(p), wire.MaxOutputBytes)
		a.mirrorLocked(&wire.OutputMessage{Kind: wire.OutputNarrow, Data: p[:n]}, n)
		p = p[n:]
	}
}

// ObserveWide implements Observer.
func (a *Agent) ObserveWide(p []uint16, err error) {
	if err != nil || len(p) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(p) > 0 {
		n := min(len(p), wire.MaxOutputUnits)
		// Keep a surrogate pair in one message.
		if n < len(p) && n > 1 && isHighSurrogate(p[n-1]) {
			n--
		}
		a.mirrorLocked(&wire.OutputMessage{Kind: wire.OutputWide, Data: wire.EncodeUnits(p[:n])}, 2*n)
		p = p[n:]
	}
}

func isHighSurrogate(u uint16) bool {
	return u >= 0xd800 && u < 0xdc00
}

// mirrorLocked posts msg, first reporting any bytes lost earlier. size is
// the byte count msg stands for.
func (a *Agent) mirrorLocked(msg *wire.OutputMessage, size int) {
	if a.out == nil {
		return
	}
	if a.dropped > 0 {
		if err := a.postLocked(&wire.OutputMessage{Kind: wire.OutputDropped, Dropped: a.dropped}); err != nil {
			a.dropped += uint32(size)
			return
		}
		a.dropped = 0
	}
	if err := a.postLocked(msg); err != nil {
		a.dropped += uint32(size)
	}
}

func (a *Agent) postLocked(msg *wire.OutputMessage) error {
	buf, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		err = a.out.Post(buf)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transport.ErrFull) {
			break
		}
		if attempt >= a.cfg.PostRetries {
			return err
		}
		time.Sleep(a.cfg.RetryDelay)
	}
	if errors.Is(err, transport.ErrBroken) || errors.Is(err, transport.ErrClosed) {
		a.logger.Debug("output mirroring stopped", "error", err)
		a.out.Close()
		a.out = nil
	}
	return err
}
