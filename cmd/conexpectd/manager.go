package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"conexpect/internal/config"
	"conexpect/internal/keymap"
	"conexpect/internal/scrollback"
	"conexpect/internal/session"
)

// ErrSessionNotFound is returned for IDs the daemon does not know.
var ErrSessionNotFound = errors.New("session not found")

// Events receives what sessions produce. Callbacks run on the session's
// pump goroutine, in order.
type Events struct {
	OnData   func(id, data string)
	OnStatus func(id, message string)
	OnExit   func(id string, exitCode, pid int)
}

// Managed is one session owned by the daemon.
type Managed struct {
	ID      string
	Command string
	Sess    *session.Session
	Ring    *scrollback.Buffer

	// out is held while output is recorded and broadcast.
	out sync.Mutex

	mu       sync.Mutex
	exited   bool
	exitCode int
}

func (m *Managed) info() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SessionInfo{
		ID:       m.ID,
		Pid:      m.Sess.Pid(),
		Command:  m.Command,
		State:    m.Sess.State().String(),
		Alive:    !m.exited,
		ExitCode: m.exitCode,
	}
}

// SessionManager owns all sessions. Exited sessions stay listable for the
// configured retention and are then forgotten.
type SessionManager struct {
	cfg     config.Config
	backend session.Backend
	logger  *slog.Logger
	events  Events

	mu   sync.RWMutex
	live map[string]*Managed
	dead *cache.Cache

	pumps sync.WaitGroup
}

func NewSessionManager(cfg config.Config, backend session.Backend, logger *slog.Logger, events Events) *SessionManager {
	sm := &SessionManager{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		events:  events,
		live:    make(map[string]*Managed),
		dead:    cache.New(cfg.Retention, time.Minute),
	}
	sm.dead.OnEvicted(func(id string, _ interface{}) {
		logger.Debug("exited session forgotten", "session", id)
	})
	return sm
}

// Create starts a session for req. started runs before any output is
// delivered, so the creator can subscribe without missing anything.
func (sm *SessionManager) Create(ctx context.Context, req CreateRequest, started func(m *Managed)) (*Managed, error) {
	id := uuid.NewString()
	sr := session.Request{
		Args:        req.Args,
		CommandLine: req.CommandLine,
		Dir:         req.Cwd,
		Show:        req.Show || sm.cfg.ShowChild,
	}
	if req.Env != nil {
		sr.Env = make([]string, 0, len(req.Env))
		for k, v := range req.Env {
			sr.Env = append(sr.Env, k+"="+v)
		}
		sort.Strings(sr.Env)
	}
	if len(sr.Args) == 0 && sr.CommandLine == "" {
		return nil, fmt.Errorf("create: no command given")
	}

	s, err := session.Spawn(ctx, sr,
		session.WithBackend(sm.backend),
		session.WithLogger(sm.logger.With("session", id)),
		session.WithInput(sm.cfg.Input.Batch, sm.cfg.Input.Escapes),
	)
	if err != nil {
		return nil, err
	}

	m := &Managed{
		ID:      id,
		Command: sr.Command(),
		Sess:    s,
		Ring:    scrollback.New(sm.cfg.ScrollbackSize),
	}
	sm.mu.Lock()
	sm.live[id] = m
	sm.mu.Unlock()

	if started != nil {
		started(m)
	}
	sm.pumps.Add(1)
	go sm.pump(m)
	return m, nil
}

// pump drains the session's queues into scrollback and the event
// callbacks until the child is done.
func (sm *SessionManager) pump(m *Managed) {
	defer sm.pumps.Done()
	data, errs := m.Sess.DataQueue(), m.Sess.ErrorQueue()
	var carry scrollback.Carry

	for {
		select {
		case <-errs.Readable():
			sm.drainStatus(m)
		case <-data.Readable():
			for {
				msg, ok := data.Pop()
				if !ok {
					break
				}
				switch msg.Kind {
				case session.Data:
					sm.deliver(m, carry.Next(msg.Bytes))
				case session.Done:
					sm.deliver(m, carry.Flush())
					sm.drainStatus(m)
					sm.finish(m, msg.ExitCode)
					return
				}
			}
		}
	}
}

func (sm *SessionManager) deliver(m *Managed, p []byte) {
	if len(p) == 0 {
		return
	}
	m.out.Lock()
	defer m.out.Unlock()
	m.Ring.Write(p)
	if sm.events.OnData != nil {
		sm.events.OnData(m.ID, string(p))
	}
}

func (sm *SessionManager) drainStatus(m *Managed) {
	for {
		msg, ok := m.Sess.ErrorQueue().Pop()
		if !ok {
			return
		}
		text := string(msg.Bytes)
		if text == "" && msg.Err != nil {
			text = msg.Err.Error()
		}
		sm.logger.Warn("session reported error", "session", m.ID, "error", text)
		if sm.events.OnStatus != nil {
			sm.events.OnStatus(m.ID, text)
		}
	}
}

func (sm *SessionManager) finish(m *Managed, code int) {
	m.mu.Lock()
	m.exited = true
	m.exitCode = code
	m.mu.Unlock()

	sm.mu.Lock()
	_, kept := sm.live[m.ID]
	delete(sm.live, m.ID)
	sm.mu.Unlock()
	if kept && sm.cfg.Retention > 0 {
		sm.dead.SetDefault(m.ID, m)
	}

	pid := m.Sess.Pid()
	sm.logger.Info("session exited", "session", m.ID, "pid", pid, "code", code)
	if sm.events.OnExit != nil {
		sm.events.OnExit(m.ID, code, pid)
	}
}

// Get returns a running or recently exited session.
func (sm *SessionManager) Get(id string) (*Managed, error) {
	sm.mu.RLock()
	m, ok := sm.live[id]
	sm.mu.RUnlock()
	if ok {
		return m, nil
	}
	if v, ok := sm.dead.Get(id); ok {
		return v.(*Managed), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Write types data into the session's console.
func (sm *SessionManager) Write(id, data string) error {
	m, err := sm.Get(id)
	if err != nil {
		return err
	}
	_, err = m.Sess.Write([]byte(data))
	return err
}

// Key presses the named function key.
func (sm *SessionManager) Key(id, name string) error {
	k, err := keymap.ParseFunctionKey(name)
	if err != nil {
		return err
	}
	m, err := sm.Get(id)
	if err != nil {
		return err
	}
	return m.Sess.WriteKey(k)
}

// Interrupt raises Ctrl+C in the session's console.
func (sm *SessionManager) Interrupt(id string) error {
	m, err := sm.Get(id)
	if err != nil {
		return err
	}
	return m.Sess.Interrupt()
}

// Interact toggles interact mode.
func (sm *SessionManager) Interact(id string, enable bool, console uint64) error {
	m, err := sm.Get(id)
	if err != nil {
		return err
	}
	if enable {
		return m.Sess.EnterInteract(uintptr(console))
	}
	return m.Sess.ExitInteract()
}

// Destroy kills a session and forgets it. The exit is still reported to
// attached clients.
func (sm *SessionManager) Destroy(id string) error {
	sm.mu.Lock()
	m, ok := sm.live[id]
	delete(sm.live, id)
	sm.mu.Unlock()
	if !ok {
		if _, found := sm.dead.Get(id); !found {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		sm.dead.Delete(id)
		return nil
	}
	if err := m.Sess.Kill(); err != nil {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	return nil
}

// DestroyAll kills every running session and waits for their pumps.
// Used during daemon shutdown.
func (sm *SessionManager) DestroyAll() {
	sm.mu.RLock()
	ids := make([]string, 0, len(sm.live))
	for id := range sm.live {
		ids = append(ids, id)
	}
	sm.mu.RUnlock()
	for _, id := range ids {
		if err := sm.Destroy(id); err != nil {
			sm.logger.Warn("destroy failed", "session", id, "error", err)
		}
	}
	sm.pumps.Wait()
}

// List returns info about all known sessions, ordered by ID.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.RLock()
	out := make([]SessionInfo, 0, len(sm.live)+sm.dead.ItemCount())
	for _, m := range sm.live {
		out = append(out, m.info())
	}
	sm.mu.RUnlock()
	for _, item := range sm.dead.Items() {
		out = append(out, item.Object.(*Managed).info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Attach runs subscribe with the retained output while no new output is
// being delivered, so the subscriber sees every byte exactly once.
func (sm *SessionManager) Attach(id string, subscribe func(scrollback string)) error {
	m, err := sm.Get(id)
	if err != nil {
		return err
	}
	m.out.Lock()
	defer m.out.Unlock()
	subscribe(string(m.Ring.Snapshot()))
	return nil
}

// Scrollback returns the retained output of a session.
func (sm *SessionManager) Scrollback(id string) (string, error) {
	m, err := sm.Get(id)
	if err != nil {
		return "", err
	}
	return string(m.Ring.Snapshot()), nil
}
