//go:build windows

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32          = windows.NewLazySystemDLL("kernel32.dll")
	procCreateSemaphoreW = modkernel32.NewProc("CreateSemaphoreW")
	procReleaseSemaphore = modkernel32.NewProc("ReleaseSemaphore")
)

const (
	shmMagic      = 0x43584D42 // "CXMB"
	shmHeaderSize = 32

	offMagic    = 0
	offSlots    = 4
	offSlotSize = 8
	offHead     = 12
	offTail     = 16

	waitTimeout = 0x102
)

// SharedMemory opens mailboxes backed by named file mappings in the
// session-local kernel namespace, so two processes can rendezvous by name.
// Each mailbox is a mapping (header + slots), a mutex guarding the ring
// indices, and two counting semaphores for free and filled slots.
type SharedMemory struct {
	// Peer is a process handle whose exit breaks every endpoint opened
	// through this value. It is borrowed, never closed.
	Peer windows.Handle
}

// Create implements Opener.
func (s *SharedMemory) Create(name string, slots, slotSize int) (Endpoint, error) {
	if slots <= 0 || slotSize <= 0 {
		return nil, fmt.Errorf("transport: invalid geometry %dx%d", slots, slotSize)
	}
	e := &shmEndpoint{name: name, slots: slots, slotSize: slotSize, peer: s.Peer}
	if err := e.open(); err != nil {
		e.release()
		return nil, err
	}
	return e, nil
}

type shmEndpoint struct {
	name     string
	slots    int
	slotSize int
	peer     windows.Handle

	lock    windows.Handle
	mapping windows.Handle
	view    uintptr
	mem     []byte
	free    windows.Handle
	full    windows.Handle
	closeEv windows.Handle

	// inUse is read-held by every operation so Close can wait them out.
	inUse     sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func objectName(name, suffix string) (*uint16, error) {
	return windows.UTF16PtrFromString(`Local\` + name + suffix)
}

func (e *shmEndpoint) open() error {
	lockName, err := objectName(e.name, ".lock")
	if err != nil {
		return err
	}
	e.lock, err = windows.CreateMutex(nil, false, lockName)
	if e.lock == 0 {
		return fmt.Errorf("transport: create mutex %s: %w", e.name, err)
	}
	if _, err := windows.WaitForSingleObject(e.lock, windows.INFINITE); err != nil {
		return fmt.Errorf("transport: lock %s: %w", e.name, err)
	}
	defer windows.ReleaseMutex(e.lock)

	size := shmHeaderSize + e.slots*e.slotSize
	mapName, err := objectName(e.name, ".map")
	if err != nil {
		return err
	}
	e.mapping, err = windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, uint32(size), mapName)
	if e.mapping == 0 {
		return fmt.Errorf("transport: create mapping %s: %w", e.name, err)
	}
	existed := err == windows.ERROR_ALREADY_EXISTS

	e.view, err = windows.MapViewOfFile(e.mapping, windows.FILE_MAP_WRITE, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("transport: map %s: %w", e.name, err)
	}
	base := *(*unsafe.Pointer)(unsafe.Pointer(&e.view))
	header := unsafe.Slice((*byte)(base), shmHeaderSize)
	le := binary.LittleEndian
	if existed {
		if le.Uint32(header[offMagic:]) != shmMagic ||
			int(le.Uint32(header[offSlots:])) != e.slots ||
			int(le.Uint32(header[offSlotSize:])) != e.slotSize {
			return fmt.Errorf("%w: %s", ErrGeometry, e.name)
		}
	} else {
		le.PutUint32(header[offMagic:], shmMagic)
		le.PutUint32(header[offSlots:], uint32(e.slots))
		le.PutUint32(header[offSlotSize:], uint32(e.slotSize))
		le.PutUint32(header[offHead:], 0)
		le.PutUint32(header[offTail:], 0)
	}
	e.mem = unsafe.Slice((*byte)(base), size)

	if e.free, err = createSemaphore(int32(e.slots), int32(e.slots), e.name+".free"); err != nil {
		return err
	}
	if e.full, err = createSemaphore(0, int32(e.slots), e.name+".full"); err != nil {
		return err
	}
	if e.closeEv, err = windows.CreateEvent(nil, 1, 0, nil); err != nil {
		return fmt.Errorf("transport: create event: %w", err)
	}
	return nil
}

func createSemaphore(initial, max int32, name string) (windows.Handle, error) {
	p, err := objectName(name, "")
	if err != nil {
		return 0, err
	}
	r, _, callErr := procCreateSemaphoreW.Call(0, uintptr(initial), uintptr(max), uintptr(unsafe.Pointer(p)))
	if r == 0 {
		return 0, fmt.Errorf("transport: create semaphore %s: %w", name, callErr)
	}
	return windows.Handle(r), nil
}

func releaseSemaphore(h windows.Handle) error {
	r, _, callErr := procReleaseSemaphore.Call(uintptr(h), 1, 0)
	if r == 0 {
		return callErr
	}
	return nil
}

func (e *shmEndpoint) Name() string  { return e.name }
func (e *shmEndpoint) SlotSize() int { return e.slotSize }

func (e *shmEndpoint) peerGone() bool {
	if e.peer == 0 {
		return false
	}
	ev, err := windows.WaitForSingleObject(e.peer, 0)
	return err == nil && ev == windows.WAIT_OBJECT_0
}

func (e *shmEndpoint) slot(i uint32) []byte {
	off := shmHeaderSize + int(i)*e.slotSize
	return e.mem[off : off+e.slotSize]
}

func (e *shmEndpoint) Post(msg []byte) error {
	e.inUse.RLock()
	defer e.inUse.RUnlock()
	if e.closed.Load() {
		return ErrClosed
	}
	if len(msg) > e.slotSize {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(msg), e.slotSize)
	}
	if e.peerGone() {
		return ErrBroken
	}
	ev, err := windows.WaitForSingleObject(e.free, 0)
	if err != nil {
		return fmt.Errorf("transport: wait free slot: %w", err)
	}
	if ev == waitTimeout {
		return ErrFull
	}

	if _, err := windows.WaitForSingleObject(e.lock, windows.INFINITE); err != nil {
		releaseSemaphore(e.free)
		return fmt.Errorf("transport: lock %s: %w", e.name, err)
	}
	le := binary.LittleEndian
	tail := le.Uint32(e.mem[offTail:])
	dst := e.slot(tail)
	n := copy(dst, msg)
	clear(dst[n:])
	le.PutUint32(e.mem[offTail:], (tail+1)%uint32(e.slots))
	windows.ReleaseMutex(e.lock)

	return releaseSemaphore(e.full)
}

// take copies out the head slot. The caller has already claimed one
// count of the full semaphore.
func (e *shmEndpoint) take() ([]byte, error) {
	if _, err := windows.WaitForSingleObject(e.lock, windows.INFINITE); err != nil {
		releaseSemaphore(e.full)
		return nil, fmt.Errorf("transport: lock %s: %w", e.name, err)
	}
	le := binary.LittleEndian
	head := le.Uint32(e.mem[offHead:])
	msg := append([]byte(nil), e.slot(head)...)
	le.PutUint32(e.mem[offHead:], (head+1)%uint32(e.slots))
	windows.ReleaseMutex(e.lock)

	return msg, releaseSemaphore(e.free)
}

func (e *shmEndpoint) Receive(ctx context.Context) ([]byte, error) {
	e.inUse.RLock()
	defer e.inUse.RUnlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}

	cancelEv, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: create event: %w", err)
	}
	defer windows.CloseHandle(cancelEv)
	stop := context.AfterFunc(ctx, func() { windows.SetEvent(cancelEv) })
	defer stop()

	handles := []windows.Handle{e.full, e.closeEv, cancelEv}
	if e.peer != 0 {
		handles = append(handles, e.peer)
	}
	ev, err := windows.WaitForMultipleObjects(handles, false, windows.INFINITE)
	if err != nil {
		return nil, fmt.Errorf("transport: wait %s: %w", e.name, err)
	}
	switch ev {
	case windows.WAIT_OBJECT_0:
		return e.take()
	case windows.WAIT_OBJECT_0 + 1:
		return nil, ErrClosed
	case windows.WAIT_OBJECT_0 + 2:
		return nil, cancelled(ctx)
	default:
		return e.tryReceive()
	}
}

func (e *shmEndpoint) TryReceive() ([]byte, error) {
	e.inUse.RLock()
	defer e.inUse.RUnlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.tryReceive()
}

func (e *shmEndpoint) tryReceive() ([]byte, error) {
	ev, err := windows.WaitForSingleObject(e.full, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: wait %s: %w", e.name, err)
	}
	if ev == windows.WAIT_OBJECT_0 {
		return e.take()
	}
	if e.peerGone() {
		return nil, ErrBroken
	}
	return nil, ErrEmpty
}

func (e *shmEndpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if e.closeEv != 0 {
			windows.SetEvent(e.closeEv)
		}
		e.inUse.Lock()
		defer e.inUse.Unlock()
		e.release()
	})
	return nil
}

func (e *shmEndpoint) release() {
	if e.view != 0 {
		windows.UnmapViewOfFile(e.view)
		e.view = 0
		e.mem = nil
	}
	for _, h := range []*windows.Handle{&e.mapping, &e.lock, &e.free, &e.full, &e.closeEv} {
		if *h != 0 {
			windows.CloseHandle(*h)
			*h = 0
		}
	}
}
