package transport

import (
	"context"
	"fmt"
	"sync"
)

// Registry is an in-process mailbox namespace. Both ends of a session
// living in one process (the pty backend, tests) rendezvous through it by
// name, the way two processes would through kernel object names.
type Registry struct {
	mu    sync.Mutex
	boxes map[string]*mailbox
}

// NewRegistry returns an empty namespace.
func NewRegistry() *Registry {
	return &Registry{boxes: make(map[string]*mailbox)}
}

type mailbox struct {
	name     string
	slotSize int
	slots    chan []byte
	// broken is closed when any holder lets go.
	broken     chan struct{}
	brokenOnce sync.Once
	holders    int
}

// Create implements Opener.
func (r *Registry) Create(name string, slots, slotSize int) (Endpoint, error) {
	if slots <= 0 || slotSize <= 0 {
		return nil, fmt.Errorf("transport: invalid geometry %dx%d", slots, slotSize)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	box, ok := r.boxes[name]
	if ok {
		if cap(box.slots) != slots || box.slotSize != slotSize {
			return nil, fmt.Errorf("%w: %s is %dx%d", ErrGeometry, name, cap(box.slots), box.slotSize)
		}
	} else {
		box = &mailbox{
			name:     name,
			slotSize: slotSize,
			slots:    make(chan []byte, slots),
			broken:   make(chan struct{}),
		}
		r.boxes[name] = box
	}
	box.holders++
	return &memEndpoint{reg: r, box: box, closed: make(chan struct{})}, nil
}

// Len reports how many names are bound.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boxes)
}

func (r *Registry) release(box *mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	box.brokenOnce.Do(func() { close(box.broken) })
	box.holders--
	if box.holders == 0 && r.boxes[box.name] == box {
		delete(r.boxes, box.name)
	}
}

type memEndpoint struct {
	reg       *Registry
	box       *mailbox
	closeOnce sync.Once
	closed    chan struct{}
}

func (e *memEndpoint) Name() string  { return e.box.name }
func (e *memEndpoint) SlotSize() int { return e.box.slotSize }

func (e *memEndpoint) Post(msg []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	select {
	case <-e.box.broken:
		return ErrBroken
	default:
	}
	if len(msg) > e.box.slotSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(msg), e.box.slotSize)
	}
	slot := make([]byte, e.box.slotSize)
	copy(slot, msg)
	select {
	case e.box.slots <- slot:
		return nil
	default:
		return ErrFull
	}
}

func (e *memEndpoint) Receive(ctx context.Context) ([]byte, error) {
	// Queued messages win over every other outcome except a closed handle.
	msg, err := e.TryReceive()
	if err != ErrEmpty {
		return msg, err
	}
	select {
	case msg := <-e.box.slots:
		return msg, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, cancelled(ctx)
	case <-e.box.broken:
		// Drain whatever raced in before the peer left.
		if msg, err := e.TryReceive(); err == nil {
			return msg, nil
		}
		return nil, ErrBroken
	}
}

func (e *memEndpoint) TryReceive() ([]byte, error) {
	select {
	case <-e.closed:
		return nil, ErrClosed
	default:
	}
	select {
	case msg := <-e.box.slots:
		return msg, nil
	default:
	}
	select {
	case <-e.box.broken:
		return nil, ErrBroken
	default:
		return nil, ErrEmpty
	}
}

func (e *memEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.reg.release(e.box)
	})
	return nil
}
