//go:build !windows

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"conexpect/internal/agent"
	"conexpect/internal/keymap"
	"conexpect/internal/transport"
	"conexpect/internal/wire"
)

// ptyBackend runs children on a raw pseudo-terminal. The agent cannot be
// injected here, so it runs in the controller: its console writes key
// presses as bytes to the pty master and its interceptor reads the
// master.
type ptyBackend struct {
	reg    *transport.Registry
	logger *slog.Logger
}

// NewBackend returns the pty backend.
func NewBackend(opts BackendOptions) Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ptyBackend{reg: transport.NewRegistry(), logger: logger}
}

func (b *ptyBackend) Spawn(req Request) (Process, error) {
	args := req.Args
	if len(args) == 0 {
		if req.CommandLine == "" {
			return nil, errors.New("empty command")
		}
		args = []string{"/bin/sh", "-c", req.CommandLine}
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("pty open: %w", err)
	}
	// No line discipline: bytes in and out reach the child unchanged.
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, fmt.Errorf("pty raw mode: %w", err)
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: defaultCols, Rows: defaultRows}); err != nil {
		b.logger.Debug("pty setsize", "error", err)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, err
	}
	tty.Close()

	pid := cmd.Process.Pid
	p := &ptyProcess{
		cmd:    cmd,
		ptmx:   ptmx,
		reg:    b.reg,
		reader: &ptyReader{f: ptmx},
	}
	p.agent = agent.New(agent.Config{
		Pid:         pid,
		Opener:      b.reg,
		Console:     &ptyConsole{f: ptmx, pid: pid},
		Interceptor: p.reader,
		Logger:      b.logger,
		// The reader can afford to wait: the pty buffer holds the child back.
		PostRetries: 500,
		RetryDelay:  time.Millisecond,
	})
	if err := p.agent.Attach(); err != nil {
		b.logger.Warn("agent attach", "pid", pid, "error", err)
	}
	return p, nil
}

type ptyProcess struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	reg    *transport.Registry
	reader *ptyReader
	agent  *agent.Agent
	exited atomic.Bool
}

func (p *ptyProcess) Pid() int { return p.cmd.Process.Pid }

func (p *ptyProcess) Handles() Handles {
	h := Handles{}
	// SyscallConn keeps the master in non-blocking mode, unlike Fd.
	if rc, err := p.ptmx.SyscallConn(); err == nil {
		rc.Control(func(fd uintptr) { h.Console = fd })
	}
	return h
}

func (p *ptyProcess) Transport() transport.Opener { return p.reg }

func (p *ptyProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}
	p.exited.Store(true)
	p.reader.wait()
	if derr := p.agent.Detach(); derr != nil {
		err = errors.Join(err, derr)
	}
	return p.cmd.ProcessState.ExitCode(), err
}

func (p *ptyProcess) Alive() bool {
	if p.exited.Load() {
		return false
	}
	return unix.Kill(p.Pid(), 0) == nil
}

func (p *ptyProcess) Kill() error {
	if err := unix.Kill(-p.Pid(), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *ptyProcess) Release() error {
	return p.ptmx.Close()
}

// ptyConsole turns key presses back into the bytes a terminal would send.
type ptyConsole struct {
	f   *os.File
	pid int
}

func (c *ptyConsole) WriteInput(evs []wire.KeyEvent) error {
	buf := make([]byte, 0, len(evs))
	for _, ev := range evs {
		if !ev.KeyDown {
			continue
		}
		switch seq, ok := keymap.Sequence(ev.VirtualKeyCode); {
		case ev.Char != 0:
			buf = append(buf, byte(ev.Char))
		case ok:
			buf = append(buf, seq...)
		default:
			// Ctrl+@ carries no character.
			buf = append(buf, 0)
		}
	}
	_, err := c.f.Write(buf)
	return err
}

// RaiseCtrl signals the child's process group; the raw pty has no line
// discipline to do it.
func (c *ptyConsole) RaiseCtrl(event uint32) error {
	sig := unix.SIGINT
	if event == wire.CtrlBreak {
		sig = unix.SIGQUIT
	}
	return unix.Kill(-c.pid, sig)
}

// ptyReader feeds everything the child writes to the agent.
type ptyReader struct {
	f    *os.File
	done chan struct{}
}

func (r *ptyReader) Install(obs agent.Observer) error {
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		buf := make([]byte, wire.MaxOutputBytes)
		for {
			n, err := r.f.Read(buf)
			if n > 0 {
				obs.ObserveNarrow(buf[:n], nil)
			}
			if err != nil {
				return
			}
		}
	}()
	return nil
}

func (r *ptyReader) Uninstall() error {
	r.wait()
	return nil
}

func (r *ptyReader) wait() {
	if r.done != nil {
		<-r.done
	}
}
