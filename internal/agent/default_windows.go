//go:build windows

package agent

import (
	"bytes"
	"log/slog"
	"os"
	"strconv"
	"unsafe"

	"golang.org/x/sys/windows"

	"conexpect/internal/transport"
)

// debugWriter sends log lines to the debugger instead of the child's own
// console.
type debugWriter struct{}

func (debugWriter) Write(p []byte) (int, error) {
	s, err := windows.UTF16PtrFromString(string(bytes.ReplaceAll(p, []byte{0}, nil)))
	if err != nil {
		return 0, err
	}
	procOutputDebugStringW.Call(uintptr(unsafe.Pointer(s)))
	return len(p), nil
}

// Default builds the agent for the current process: its real console, the
// import-table hook, and shared-memory mailboxes that break when the
// controller named by ControllerPidEnv exits.
func Default() *Agent {
	logger := slog.New(slog.NewTextHandler(debugWriter{}, nil)).With("component", "agent")

	var console Console
	if con, err := OpenConsole(); err != nil {
		logger.Warn("input replay disabled", "error", err)
	} else {
		console = con
	}

	var peer windows.Handle
	if s := os.Getenv(ControllerPidEnv); s != "" {
		if pid, err := strconv.ParseUint(s, 10, 32); err == nil {
			h, err := windows.OpenProcess(windows.SYNCHRONIZE, false, uint32(pid))
			if err != nil {
				logger.Warn("cannot watch controller", "controller_pid", pid, "error", err)
			} else {
				peer = h
			}
		}
	}

	return New(Config{
		Pid:         os.Getpid(),
		Opener:      &transport.SharedMemory{Peer: peer},
		Console:     console,
		Interceptor: NewImportHook(),
		Logger:      logger,
	})
}
