package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/gofrs/flock"

	"conexpect/internal/config"
	"conexpect/internal/session"
)

// maxLine bounds one protocol line (large env maps, scrollback replies).
const maxLine = 16 << 20

// Client represents a single connection to the daemon.
type Client struct {
	conn     net.Conn
	mu       sync.Mutex
	attached map[string]bool // session IDs this client receives output for
	encoder  *json.Encoder
}

func newClient(conn net.Conn) *Client {
	return &Client{conn: conn, attached: make(map[string]bool), encoder: json.NewEncoder(conn)}
}

// Send writes a JSON message to the client. Thread-safe.
func (c *Client) Send(msg interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoder.Encode(msg) //nolint: errors surface as a read failure on the connection
}

func (c *Client) attach(id string) {
	c.mu.Lock()
	c.attached[id] = true
	c.mu.Unlock()
}

func (c *Client) detach(id string) {
	c.mu.Lock()
	delete(c.attached, id)
	c.mu.Unlock()
}

func (c *Client) sendIfAttached(id string, msg interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached[id] {
		c.encoder.Encode(msg) //nolint: see Send
	}
}

// Server accepts protocol connections and routes them to the session
// manager.
type Server struct {
	logger *slog.Logger
	sm     *SessionManager

	clientsMu sync.Mutex
	clients   map[*Client]bool
}

// NewServer builds a server whose sessions are created by backend.
func NewServer(cfg config.Config, backend session.Backend, logger *slog.Logger) *Server {
	s := &Server{logger: logger, clients: make(map[*Client]bool)}
	s.sm = NewSessionManager(cfg, backend, logger, Events{
		OnData: func(id, data string) {
			s.broadcast(id, DataEvent{Type: typeData, ID: id, Data: data})
		},
		OnStatus: func(id, message string) {
			s.broadcast(id, StatusEvent{Type: typeStatus, ID: id, Message: message})
		},
		OnExit: func(id string, code, pid int) {
			s.broadcast(id, ExitEvent{Type: typeExit, ID: id, ExitCode: code, Pid: pid})
		},
	})
	return s
}

// broadcast sends a message to all clients attached to a session.
func (s *Server) broadcast(id string, msg interface{}) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		c.sendIfAttached(id, msg)
	}
}

// Serve accepts connections until ln is closed.
func (s *Server) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleClient(conn)
	}
}

// Shutdown kills every session.
func (s *Server) Shutdown() {
	s.sm.DestroyAll()
}

// runDaemon is the main daemon loop. Called by `conexpectd run`.
func runDaemon(cfg config.Config) error {
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.Home, err)
	}
	logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running (lock held by another process)")
	}
	defer func() { _ = lock.Unlock() }()

	if err := os.WriteFile(cfg.PidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer func() { _ = os.Remove(cfg.PidPath()) }()
	logger.Info("daemon starting", "pid", os.Getpid(), "home", cfg.Home)

	// A socket left by a crashed daemon; the lock proves nobody owns it.
	os.Remove(cfg.SocketPath())
	ln, err := net.Listen("unix", cfg.SocketPath())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.SocketPath(), err)
	}
	defer os.Remove(cfg.SocketPath())
	if err := os.Chmod(cfg.SocketPath(), 0o600); err != nil {
		logger.Warn("restricting socket permissions", "error", err)
	}
	logger.Info("listening", "socket", cfg.SocketPath())

	srv := NewServer(cfg, session.NewBackend(session.BackendOptions{AgentPath: cfg.AgentPath, Logger: logger}), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		ln.Close()
	}()

	srv.Serve(ln)
	srv.Shutdown()
	logger.Info("daemon stopped")
	return nil
}

func (s *Server) handleClient(conn net.Conn) {
	client := newClient(conn)

	s.clientsMu.Lock()
	s.clients[client] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.dispatch(client, line)
	}
}

// dispatch handles one request line.
func (s *Server) dispatch(client *Client, line []byte) {
	// Peek at the "type" field to dispatch.
	var peek struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(line, &peek); err != nil {
		client.Send(ErrorResponse{Type: typeError, Message: "malformed JSON"})
		return
	}
	fail := func(err error) {
		client.Send(ErrorResponse{Type: typeError, Message: err.Error(), ID: peek.ID})
	}

	switch peek.Type {
	case typeCreate:
		var req CreateRequest
		if err := json.Unmarshal(line, &req); err != nil {
			fail(err)
			return
		}
		// The creator is attached and told the ID before any output flows.
		_, err := s.sm.Create(context.Background(), req, func(m *Managed) {
			s.logger.Info("session created", "session", m.ID, "pid", m.Sess.Pid(), "command", m.Command)
			client.attach(m.ID)
			client.Send(CreatedResponse{Type: typeCreated, ID: m.ID, Pid: m.Sess.Pid()})
		})
		if err != nil {
			s.logger.Warn("session creation failed", "error", err)
			var cerr *session.CreationError
			if errors.As(err, &cerr) && cerr.Code() != 0 {
				err = fmt.Errorf("%w (code %d)", err, cerr.Code())
			}
			fail(err)
		}

	case typeWrite:
		var req WriteRequest
		if err := json.Unmarshal(line, &req); err != nil {
			fail(err)
			return
		}
		if err := s.sm.Write(req.ID, req.Data); err != nil {
			fail(err)
		}

	case typeKey:
		var req KeyRequest
		if err := json.Unmarshal(line, &req); err != nil {
			fail(err)
			return
		}
		if err := s.sm.Key(req.ID, req.Key); err != nil {
			fail(err)
		}

	case typeInterrupt:
		if err := s.sm.Interrupt(peek.ID); err != nil {
			fail(err)
		}

	case typeInteract:
		var req InteractRequest
		if err := json.Unmarshal(line, &req); err != nil {
			fail(err)
			return
		}
		if err := s.sm.Interact(req.ID, req.Enable, req.Console); err != nil {
			fail(err)
		}

	case typeDestroy:
		s.logger.Info("session destroyed", "session", peek.ID)
		if err := s.sm.Destroy(peek.ID); err != nil {
			fail(err)
		}

	case typeList:
		client.Send(ListResponse{Type: typeListed, Sessions: s.sm.List()})

	case typeAttach:
		err := s.sm.Attach(peek.ID, func(scrollback string) {
			client.attach(peek.ID)
			client.Send(AttachedResponse{Type: typeAttached, ID: peek.ID, Scrollback: scrollback})
		})
		if err != nil {
			fail(err)
		}

	case typeDetach:
		client.detach(peek.ID)

	default:
		client.Send(ErrorResponse{Type: typeError, Message: "unknown type: " + peek.Type})
	}
}
