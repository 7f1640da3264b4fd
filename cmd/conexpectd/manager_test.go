//go:build !windows

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conexpect/internal/config"
	"conexpect/internal/session"
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

func testConfig(t *testing.T) config.Config {
	cfg := config.Defaults()
	cfg.Home = t.TempDir()
	cfg.ScrollbackSize = 4096
	cfg.Retention = time.Minute
	return cfg
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recorder struct {
	data chan string
	exit chan int
}

func newRecorder() *recorder {
	return &recorder{data: make(chan string, 64), exit: make(chan int, 4)}
}

func (r *recorder) events() Events {
	return Events{
		OnData: func(id, data string) { r.data <- data },
		OnExit: func(id string, code, pid int) { r.exit <- code },
	}
}

// waitExit collects output until the exit callback fires.
func (r *recorder) waitExit(t *testing.T) (string, int) {
	t.Helper()
	var out strings.Builder
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d := <-r.data:
			out.WriteString(d)
		case code := <-r.exit:
			for {
				select {
				case d := <-r.data:
					out.WriteString(d)
				default:
					return out.String(), code
				}
			}
		case <-timeout:
			t.Fatalf("no exit, output so far %q", out.String())
		}
	}
}

func newManager(t *testing.T, cfg config.Config, r *recorder) *SessionManager {
	t.Helper()
	requirePty(t)
	sm := NewSessionManager(cfg, session.NewBackend(session.BackendOptions{Logger: quiet}), quiet, r.events())
	t.Cleanup(sm.DestroyAll)
	return sm
}

func TestManager_OutputThenExit(t *testing.T) {
	r := newRecorder()
	sm := newManager(t, testConfig(t), r)

	var started *Managed
	m, err := sm.Create(context.Background(), CreateRequest{CommandLine: "printf hi; exit 3"}, func(m *Managed) { started = m })
	require.NoError(t, err)
	assert.Same(t, m, started)
	assert.NotZero(t, m.Sess.Pid())

	out, code := r.waitExit(t)
	assert.Equal(t, "hi", out)
	assert.Equal(t, 3, code)

	sb, err := sm.Scrollback(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", sb)

	list := sm.List()
	require.Len(t, list, 1)
	assert.False(t, list[0].Alive)
	assert.Equal(t, 3, list[0].ExitCode)
	assert.Equal(t, "exited", list[0].State)
}

func TestManager_NoRetentionForgetsExited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention = 0
	r := newRecorder()
	sm := newManager(t, cfg, r)

	m, err := sm.Create(context.Background(), CreateRequest{Args: []string{"true"}}, nil)
	require.NoError(t, err)
	r.waitExit(t)

	_, err = sm.Get(m.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, sm.List())
}

func TestManager_DestroyKillsAndForgets(t *testing.T) {
	r := newRecorder()
	sm := newManager(t, testConfig(t), r)

	m, err := sm.Create(context.Background(), CreateRequest{Args: []string{"cat"}}, nil)
	require.NoError(t, err)
	require.NoError(t, sm.Destroy(m.ID))
	r.waitExit(t)

	_, err = sm.Get(m.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.ErrorIs(t, sm.Destroy(m.ID), ErrSessionNotFound)
}

func TestManager_UnknownSession(t *testing.T) {
	sm := newManager(t, testConfig(t), newRecorder())
	require.ErrorIs(t, sm.Write("nope", "x"), ErrSessionNotFound)
	require.ErrorIs(t, sm.Interrupt("nope"), ErrSessionNotFound)
	require.ErrorIs(t, sm.Interact("nope", true, 0), ErrSessionNotFound)
	_, err := sm.Scrollback("nope")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_RejectsEmptyCommand(t *testing.T) {
	sm := newManager(t, testConfig(t), newRecorder())
	_, err := sm.Create(context.Background(), CreateRequest{}, nil)
	require.Error(t, err)
}

func TestManager_CreationFailureKeepsCode(t *testing.T) {
	sm := newManager(t, testConfig(t), newRecorder())
	_, err := sm.Create(context.Background(), CreateRequest{Args: []string{"/no/such/program"}}, nil)
	var cerr *session.CreationError
	require.ErrorAs(t, err, &cerr)
	assert.NotZero(t, cerr.Code())
	assert.Empty(t, sm.List())
}

func TestManager_KeyAndInteract(t *testing.T) {
	r := newRecorder()
	sm := newManager(t, testConfig(t), r)
	m, err := sm.Create(context.Background(), CreateRequest{Args: []string{"cat"}}, nil)
	require.NoError(t, err)

	require.Error(t, sm.Key(m.ID, "hyper"))
	require.NoError(t, sm.Key(m.ID, "up"))

	require.NoError(t, sm.Interact(m.ID, true, 7))
	require.ErrorIs(t, sm.Interact(m.ID, true, 7), session.ErrAlreadyInteracting)
	assert.Equal(t, "interacting", sm.List()[0].State)
	require.NoError(t, sm.Interact(m.ID, false, 0))
}

// pipeClient drives a Server over an in-memory connection.
type pipeClient struct {
	t      *testing.T
	conn   net.Conn
	events chan event
}

func newPipeClient(t *testing.T, srv *Server) *pipeClient {
	t.Helper()
	server, client := net.Pipe()
	go srv.handleClient(server)
	pc := &pipeClient{t: t, conn: client, events: make(chan event, 64)}
	go func() {
		defer close(pc.events)
		sc := bufio.NewScanner(client)
		sc.Buffer(make([]byte, 0, 64*1024), maxLine)
		for sc.Scan() {
			var ev event
			if json.Unmarshal(sc.Bytes(), &ev) == nil {
				pc.events <- ev
			}
		}
	}()
	t.Cleanup(func() { client.Close() })
	return pc
}

func (pc *pipeClient) send(msg interface{}) {
	pc.t.Helper()
	require.NoError(pc.t, json.NewEncoder(pc.conn).Encode(msg))
}

// expect skips events until one of type typ arrives.
func (pc *pipeClient) expect(typ string) event {
	pc.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-pc.events:
			require.True(pc.t, ok, "connection closed waiting for %s", typ)
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			pc.t.Fatalf("no %s event", typ)
		}
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	requirePty(t)
	srv := NewServer(testConfig(t), session.NewBackend(session.BackendOptions{Logger: quiet}), quiet)
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestServer_CreateWriteDestroy(t *testing.T) {
	srv := newTestServer(t)
	pc := newPipeClient(t, srv)

	pc.send(CreateRequest{Type: typeCreate, Args: []string{"cat"}})
	created := pc.expect(typeCreated)
	require.NotEmpty(t, created.ID)
	require.NotZero(t, created.Pid)

	pc.send(WriteRequest{Type: typeWrite, ID: created.ID, Data: "ping\r"})
	var out strings.Builder
	for !strings.Contains(out.String(), "ping") {
		out.WriteString(pc.expect(typeData).Data)
	}

	pc.send(DestroyRequest{Type: typeDestroy, ID: created.ID})
	ev := pc.expect(typeExit)
	assert.Equal(t, created.ID, ev.ID)
}

func TestServer_LateAttachReplaysScrollback(t *testing.T) {
	srv := newTestServer(t)
	creator := newPipeClient(t, srv)

	creator.send(CreateRequest{Type: typeCreate, CommandLine: "printf hello"})
	created := creator.expect(typeCreated)
	creator.expect(typeExit)

	late := newPipeClient(t, srv)
	late.send(AttachRequest{Type: typeAttach, ID: created.ID})
	ev := late.expect(typeAttached)
	assert.Equal(t, "hello", ev.Scrollback)

	late.send(ListRequest{Type: typeList})
	listed := late.expect(typeListed)
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, created.ID, listed.Sessions[0].ID)
}

func TestServer_BadRequests(t *testing.T) {
	srv := newTestServer(t)
	pc := newPipeClient(t, srv)

	_, err := pc.conn.Write([]byte("not json\n"))
	require.NoError(t, err)
	assert.Equal(t, "malformed JSON", pc.expect(typeError).Message)

	pc.send(map[string]string{"type": "resize"})
	assert.Contains(t, pc.expect(typeError).Message, "unknown type")

	pc.send(InterruptRequest{Type: typeInterrupt, ID: "missing"})
	ev := pc.expect(typeError)
	assert.Equal(t, "missing", ev.ID)
	assert.Contains(t, ev.Message, ErrSessionNotFound.Error())
}
