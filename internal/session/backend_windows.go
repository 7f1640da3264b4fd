//go:build windows

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"

	"conexpect/internal/agent"
	"conexpect/internal/transport"
)

var (
	modkernel32                   = windows.NewLazySystemDLL("kernel32.dll")
	procVirtualAllocEx            = modkernel32.NewProc("VirtualAllocEx")
	procVirtualFreeEx             = modkernel32.NewProc("VirtualFreeEx")
	procCreateRemoteThread        = modkernel32.NewProc("CreateRemoteThread")
	procLoadLibraryW              = modkernel32.NewProc("LoadLibraryW")
	procWaitForDebugEvent         = modkernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent        = modkernel32.NewProc("ContinueDebugEvent")
	procDebugActiveProcessStop    = modkernel32.NewProc("DebugActiveProcessStop")
	procDebugSetProcessKillOnExit = modkernel32.NewProc("DebugSetProcessKillOnExit")
	procCreateConsoleScreenBuffer = modkernel32.NewProc("CreateConsoleScreenBuffer")
)

const (
	startfUseCountChars   = 0x00000008
	startfForceOnFeedback = 0x00000040
	swHide                = 0
	swShowNoActivate      = 4

	consoleTextmodeBuffer = 1

	exceptionDebugEvent     = 1
	createThreadDebugEvent  = 2
	createProcessDebugEvent = 3
	exitThreadDebugEvent    = 4
	exitProcessDebugEvent   = 5
	loadDLLDebugEvent       = 6

	dbgContinue              = 0x00010002
	dbgExceptionNotHandled   = 0x80010001
	exceptionBreakpoint      = 0x80000003
	exceptionWow64Breakpoint = 0x4000001f

	waitTimeout = 0x102
)

// debugEvent is DEBUG_EVENT. The union is aligned like a pointer.
type debugEvent struct {
	Code      uint32
	ProcessID uint32
	ThreadID  uint32
	U         [20]uint64
}

func (e *debugEvent) word() uint32 {
	return *(*uint32)(unsafe.Pointer(&e.U[0]))
}

func (e *debugEvent) handle() windows.Handle {
	return *(*windows.Handle)(unsafe.Pointer(&e.U[0]))
}

// winBackend creates children under the debugger on a new console and
// injects the agent library into them before their first instruction.
type winBackend struct {
	agentPath string
	logger    *slog.Logger
}

// NewBackend returns the windows backend.
func NewBackend(opts BackendOptions) Backend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &winBackend{agentPath: opts.AgentPath, logger: logger}
}

func (b *winBackend) Spawn(req Request) (Process, error) {
	cmdline := req.CommandLine
	if len(req.Args) > 0 {
		cmdline = windows.ComposeCommandLine(req.Args)
	}
	if cmdline == "" {
		return nil, errors.New("empty command")
	}
	// CreateProcessW may write to the command line buffer.
	cl, err := windows.UTF16FromString(cmdline)
	if err != nil {
		return nil, err
	}
	var dir *uint16
	if req.Dir != "" {
		if dir, err = windows.UTF16PtrFromString(req.Dir); err != nil {
			return nil, err
		}
	}
	env := req.Env
	if env == nil {
		env = os.Environ()
	}
	env = append(env[:len(env):len(env)], agent.ControllerPidEnv+"="+strconv.Itoa(os.Getpid()))
	block, err := envBlock(env)
	if err != nil {
		return nil, err
	}

	si := windows.StartupInfo{
		XCountChars: defaultCols,
		YCountChars: defaultRows,
		Flags:       startfForceOnFeedback | windows.STARTF_USESHOWWINDOW | startfUseCountChars,
		ShowWindow:  swHide,
	}
	si.Cb = uint32(unsafe.Sizeof(si))
	if req.Show {
		si.ShowWindow = swShowNoActivate
	}
	flags := uint32(windows.DEBUG_PROCESS | windows.CREATE_NEW_CONSOLE |
		windows.CREATE_DEFAULT_ERROR_MODE | windows.CREATE_UNICODE_ENVIRONMENT |
		windows.CREATE_SUSPENDED)

	var pi windows.ProcessInformation
	if err := windows.CreateProcess(nil, &cl[0], nil, nil, false, flags, block, dir, &si, &pi); err != nil {
		return nil, err
	}
	// Descendants keep running if this thread goes away.
	procDebugSetProcessKillOnExit.Call(0)

	p := &winProcess{
		pid:     int(pi.ProcessId),
		process: pi.Process,
		thread:  pi.Thread,
		logger:  b.logger.With("pid", pi.ProcessId),
		debuggees: map[uint32]bool{
			pi.ProcessId: true,
		},
	}
	p.openConsoles()

	if b.agentPath == "" {
		p.logger.Warn("no agent library configured; child runs unobserved")
		p.resume()
	} else if tid, err := inject(pi.Process, b.agentPath); err != nil {
		p.logger.Warn("agent injection failed", "agent", b.agentPath, "error", err)
		p.resume()
	} else {
		// The child's own thread starts once the loader thread is done.
		p.injectTID = tid
	}
	return p, nil
}

// inject makes the child load path on a remote thread and returns that
// thread's id.
func inject(process windows.Handle, path string) (uint32, error) {
	name, err := windows.UTF16FromString(path)
	if err != nil {
		return 0, err
	}
	size := uintptr(len(name) * 2)
	remote, _, callErr := procVirtualAllocEx.Call(uintptr(process), 0, size,
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if remote == 0 {
		return 0, fmt.Errorf("VirtualAllocEx: %w", callErr)
	}
	if err := windows.WriteProcessMemory(process, remote, (*byte)(unsafe.Pointer(&name[0])), size, nil); err != nil {
		procVirtualFreeEx.Call(uintptr(process), remote, 0, windows.MEM_RELEASE)
		return 0, fmt.Errorf("WriteProcessMemory: %w", err)
	}
	if err := procLoadLibraryW.Find(); err != nil {
		return 0, err
	}
	var tid uint32
	th, _, callErr := procCreateRemoteThread.Call(uintptr(process), 0, 0,
		procLoadLibraryW.Addr(), remote, 0, uintptr(unsafe.Pointer(&tid)))
	if th == 0 {
		procVirtualFreeEx.Call(uintptr(process), remote, 0, windows.MEM_RELEASE)
		return 0, fmt.Errorf("CreateRemoteThread: %w", callErr)
	}
	windows.CloseHandle(windows.Handle(th))
	return tid, nil
}

func envBlock(env []string) (*uint16, error) {
	var block []uint16
	for _, kv := range env {
		for _, r := range kv {
			if r == 0 {
				return nil, fmt.Errorf("environment entry %q contains NUL", kv)
			}
		}
		block = append(block, utf16.Encode([]rune(kv))...)
		block = append(block, 0)
	}
	if len(block) == 0 {
		block = append(block, 0)
	}
	block = append(block, 0)
	return &block[0], nil
}

type winProcess struct {
	pid     int
	process windows.Handle
	thread  windows.Handle
	logger  *slog.Logger

	console      windows.Handle
	screenBuffer windows.Handle

	injectTID uint32
	resumed   bool
	debuggees map[uint32]bool
}

// openConsoles opens the controller's console and a spare screen buffer
// for interact mode. Either may be missing when the controller has no
// console.
func (p *winProcess) openConsoles() {
	name, _ := windows.UTF16PtrFromString("CONOUT$")
	h, err := windows.CreateFile(name, windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE, nil, windows.OPEN_EXISTING, 0, 0)
	if err == nil {
		p.console = h
	}
	sb, _, _ := procCreateConsoleScreenBuffer.Call(
		windows.GENERIC_READ|windows.GENERIC_WRITE, 0, 0, consoleTextmodeBuffer, 0)
	if windows.Handle(sb) != windows.InvalidHandle {
		p.screenBuffer = windows.Handle(sb)
	}
}

func (p *winProcess) resume() {
	if p.resumed {
		return
	}
	p.resumed = true
	if _, err := windows.ResumeThread(p.thread); err != nil {
		p.logger.Warn("resume child", "error", err)
	}
}

func (p *winProcess) Pid() int { return p.pid }

func (p *winProcess) Handles() Handles {
	return Handles{
		Process:      uintptr(p.process),
		Console:      uintptr(p.console),
		ScreenBuffer: uintptr(p.screenBuffer),
	}
}

func (p *winProcess) Transport() transport.Opener {
	return &transport.SharedMemory{Peer: p.process}
}

// Wait runs the debug loop until the root process exits.
func (p *winProcess) Wait() (int, error) {
	var ev debugEvent
	for {
		r, _, callErr := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(&ev)), uintptr(windows.INFINITE))
		if r == 0 {
			p.resume()
			return p.waitPlain(fmt.Errorf("WaitForDebugEvent: %w", callErr))
		}
		status := uintptr(dbgContinue)
		exited := false
		code := 0

		switch ev.Code {
		case createProcessDebugEvent:
			p.debuggees[ev.ProcessID] = true
			if h := ev.handle(); h != 0 {
				windows.CloseHandle(h)
			}
		case loadDLLDebugEvent:
			if h := ev.handle(); h != 0 {
				windows.CloseHandle(h)
			}
		case exitThreadDebugEvent:
			if ev.ProcessID == uint32(p.pid) && ev.ThreadID == p.injectTID {
				p.resume()
			}
		case exceptionDebugEvent:
			switch ev.word() {
			case exceptionBreakpoint, exceptionWow64Breakpoint:
			default:
				status = dbgExceptionNotHandled
			}
		case exitProcessDebugEvent:
			delete(p.debuggees, ev.ProcessID)
			if ev.ProcessID == uint32(p.pid) {
				exited = true
				code = int(ev.word())
			}
		case createThreadDebugEvent:
		}

		procContinueDebugEvent.Call(uintptr(ev.ProcessID), uintptr(ev.ThreadID), status)
		if exited {
			for pid := range p.debuggees {
				procDebugActiveProcessStop.Call(uintptr(pid))
			}
			return code, nil
		}
	}
}

// waitPlain is the fallback when the debugger is unavailable.
func (p *winProcess) waitPlain(cause error) (int, error) {
	if _, err := windows.WaitForSingleObject(p.process, windows.INFINITE); err != nil {
		return -1, errors.Join(cause, err)
	}
	var code uint32
	if err := windows.GetExitCodeProcess(p.process, &code); err != nil {
		return -1, errors.Join(cause, err)
	}
	return int(code), cause
}

func (p *winProcess) Alive() bool {
	ev, err := windows.WaitForSingleObject(p.process, 0)
	return err == nil && ev == waitTimeout
}

func (p *winProcess) Kill() error {
	return windows.TerminateProcess(p.process, 1)
}

func (p *winProcess) Release() error {
	var errs []error
	for _, h := range []windows.Handle{p.thread, p.console, p.screenBuffer, p.process} {
		if h != 0 {
			if err := windows.CloseHandle(h); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
