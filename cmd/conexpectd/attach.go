package main

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/term"

	"conexpect/internal/config"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

// runAttach connects the terminal to a session until it exits or the user
// detaches.
func runAttach(cfg config.Config, id string) error {
	c, err := dial(cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.send(AttachRequest{Type: typeAttach, ID: id}); err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	go pumpStdin(c, id)

	for {
		ev, err := c.next()
		if err != nil {
			return nil
		}
		if ev.ID != id && ev.Type != typeError {
			continue
		}
		switch ev.Type {
		case typeAttached:
			os.Stdout.WriteString(ev.Scrollback)
		case typeData:
			os.Stdout.WriteString(ev.Data)
		case typeStatus:
			fmt.Fprintf(os.Stderr, "\r\n[conexpect: %s]\r\n", ev.Message)
		case typeExit:
			fmt.Fprintf(os.Stderr, "\r\n[exited with code %d]\r\n", ev.ExitCode)
			return nil
		case typeError:
			return fmt.Errorf("%s", ev.Message)
		}
	}
}

// pumpStdin forwards keystrokes as write requests. Ctrl-] detaches and
// closes the connection, which ends runAttach.
func pumpStdin(c *conn, id string) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					c.send(WriteRequest{Type: typeWrite, ID: id, Data: string(chunk[:i])})
				}
				c.send(DetachRequest{Type: typeDetach, ID: id})
				c.Close()
				return
			}
			if c.send(WriteRequest{Type: typeWrite, ID: id, Data: string(chunk)}) != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
