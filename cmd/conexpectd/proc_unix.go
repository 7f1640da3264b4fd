//go:build !windows

package main

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// processAlive reports whether pid exists. EPERM means it exists but
// belongs to someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// terminate asks the daemon to shut down gracefully.
func terminate(pid int) error { return unix.Kill(pid, unix.SIGTERM) }

func forceKill(pid int) error { return unix.Kill(pid, unix.SIGKILL) }

// detachedAttr starts the daemon in its own session, away from the
// terminal.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
