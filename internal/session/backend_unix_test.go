//go:build !windows

package session

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
)

func requirePty(t *testing.T) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	ptmx.Close()
	tty.Close()
}

// collect gathers Data until Done and returns the text and exit code.
func collect(t *testing.T, s *Session) (string, int) {
	t.Helper()
	var out strings.Builder
	for {
		m := next(t, s.DataQueue())
		switch m.Kind {
		case Data:
			out.Write(m.Bytes)
		case Done:
			return out.String(), m.ExitCode
		}
	}
}

func TestPty_ChildOutputThenDone(t *testing.T) {
	requirePty(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Spawn(ctx, Request{Args: []string{"/bin/sh", "-c", "printf 'ready\\n'"}})
	require.NoError(t, err)
	defer s.Close()

	out, code := collect(t, s)
	require.Equal(t, "ready\n", out)
	require.Zero(t, code)
	require.NoError(t, s.Status())
}

func TestPty_EchoAndInterrupt(t *testing.T) {
	requirePty(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Spawn(ctx, Request{Args: []string{"cat"}})
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Write([]byte("hi\n"))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	var out strings.Builder
	for !strings.Contains(out.String(), "hi\n") {
		m := next(t, s.DataQueue())
		require.Equal(t, Data, m.Kind)
		out.Write(m.Bytes)
	}

	require.NoError(t, s.Interrupt())
	_, code := collect(t, s)
	require.NotZero(t, code)
}

func TestPty_CommandLineRunsThroughShell(t *testing.T) {
	requirePty(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Spawn(ctx, Request{CommandLine: "echo $GREETING", Env: []string{"GREETING=hello"}})
	require.NoError(t, err)
	defer s.Close()

	out, _ := collect(t, s)
	require.Equal(t, "hello\n", out)
}

func TestPty_InvalidPath(t *testing.T) {
	requirePty(t)
	s, err := Spawn(context.Background(), Request{Args: []string{"/no/such/program"}})
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.Equal(t, Failed, s.State())

	var cerr *CreationError
	require.ErrorAs(t, err, &cerr)
	require.NotZero(t, cerr.Code())
}
