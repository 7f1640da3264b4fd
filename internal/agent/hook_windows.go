//go:build windows

package agent

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ImportHook redirects every loaded module's imports of WriteConsoleA and
// WriteConsoleW through the agent. The real function always runs first;
// the observer sees the buffer only afterwards. Modules loaded after
// Install are patched by a rescan every Rescan interval; a write such a
// module makes before its first rescan is not mirrored.
type ImportHook struct {
	// Rescan is the interval between scans for newly loaded modules.
	// Zero patches only the modules loaded at Install.
	Rescan time.Duration

	mu      sync.Mutex
	obs     Observer
	self    windows.Handle
	seen    map[windows.Handle]bool
	pinned  []windows.Handle
	patches []iatPatch
	stop    chan struct{}
	done    chan struct{}
}

type iatPatch struct {
	entry uintptr
	orig  uintptr
}

var (
	hookMu     sync.RWMutex
	activeHook *ImportHook

	callbackOnce         sync.Once
	narrowCB, wideCB     uintptr
	origNarrow, origWide uintptr
)

const defaultRescan = 250 * time.Millisecond

// NewImportHook returns an uninstalled hook.
func NewImportHook() *ImportHook {
	return &ImportHook{Rescan: defaultRescan}
}

// Install implements Interceptor.
func (h *ImportHook) Install(obs Observer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen != nil {
		return errors.New("agent: hook already installed")
	}
	if err := procWriteConsoleA.Find(); err != nil {
		return err
	}
	if err := procWriteConsoleW.Find(); err != nil {
		return err
	}
	callbackOnce.Do(func() {
		origNarrow = procWriteConsoleA.Addr()
		origWide = procWriteConsoleW.Addr()
		narrowCB = windows.NewCallback(writeConsoleA)
		wideCB = windows.NewCallback(writeConsoleW)
	})

	// The agent's own module calls the originals directly.
	err := windows.GetModuleHandleEx(
		windows.GET_MODULE_HANDLE_EX_FLAG_FROM_ADDRESS|windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT,
		(*uint16)(at(narrowCB)), &h.self)
	if err != nil {
		h.self = 0
	}
	h.seen = make(map[windows.Handle]bool)
	if err := h.patchNewLocked(); err != nil {
		h.restoreLocked()
		h.seen = nil
		return err
	}

	hookMu.Lock()
	h.obs = obs
	activeHook = h
	hookMu.Unlock()

	if h.Rescan > 0 {
		h.stop, h.done = make(chan struct{}), make(chan struct{})
		go h.rescan(h.Rescan, h.stop, h.done)
	}
	return nil
}

func (h *ImportHook) rescan(every time.Duration, stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			h.mu.Lock()
			if h.seen != nil {
				h.patchNewLocked()
			}
			h.mu.Unlock()
		}
	}
}

// patchNewLocked patches every module not scanned before. Patched modules
// are pinned so their import tables outlive any FreeLibrary by the host.
func (h *ImportHook) patchNewLocked() error {
	mods, err := loadedModules()
	if err != nil {
		return err
	}
	for _, mod := range mods {
		if h.seen[mod] || mod == h.self {
			continue
		}
		h.seen[mod] = true
		entries, err := importEntries(uintptr(mod))
		if err != nil {
			continue
		}
		var patched bool
		for _, entry := range entries {
			cur := *(*uintptr)(at(entry))
			var repl uintptr
			switch cur {
			case origNarrow:
				repl = narrowCB
			case origWide:
				repl = wideCB
			default:
				continue
			}
			if !patched {
				var pin windows.Handle
				if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_FROM_ADDRESS,
					(*uint16)(at(uintptr(mod))), &pin); err != nil {
					break
				}
				h.pinned = append(h.pinned, pin)
				patched = true
			}
			if err := writeEntry(entry, repl); err != nil {
				return err
			}
			h.patches = append(h.patches, iatPatch{entry: entry, orig: cur})
		}
	}
	return nil
}

// loadedModules lists the modules of the current process.
func loadedModules() ([]windows.Handle, error) {
	mods := make([]windows.Handle, 256)
	size := uint32(unsafe.Sizeof(mods[0]))
	for {
		var needed uint32
		if err := windows.EnumProcessModules(windows.CurrentProcess(), &mods[0], uint32(len(mods))*size, &needed); err != nil {
			return nil, fmt.Errorf("agent: enumerate modules: %w", err)
		}
		n := int(needed / size)
		if n <= len(mods) {
			return mods[:n], nil
		}
		mods = make([]windows.Handle, n+32)
	}
}

// Uninstall implements Interceptor.
func (h *ImportHook) Uninstall() error {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	err := h.restoreLocked()
	h.seen = nil
	hookMu.Lock()
	if activeHook == h {
		activeHook = nil
	}
	hookMu.Unlock()
	return err
}

func (h *ImportHook) restoreLocked() error {
	var errs []error
	for _, p := range h.patches {
		if err := writeEntry(p.entry, p.orig); err != nil {
			errs = append(errs, err)
		}
	}
	h.patches = nil
	for _, mod := range h.pinned {
		windows.FreeLibrary(mod)
	}
	h.pinned = nil
	return errors.Join(errs...)
}

// at turns an address owned by the OS (image, callback, caller buffer)
// into a pointer.
func at(addr uintptr) unsafe.Pointer { return *(*unsafe.Pointer)(unsafe.Pointer(&addr)) }

func writeEntry(entry, value uintptr) error {
	var old uint32
	size := unsafe.Sizeof(value)
	if err := windows.VirtualProtect(entry, size, windows.PAGE_READWRITE, &old); err != nil {
		return fmt.Errorf("agent: unprotect import table: %w", err)
	}
	*(*uintptr)(at(entry)) = value
	return windows.VirtualProtect(entry, size, old, &old)
}

func observer() Observer {
	hookMu.RLock()
	defer hookMu.RUnlock()
	if activeHook == nil {
		return nil
	}
	return activeHook.obs
}

func writeConsoleA(console, buf, n, written, reserved uintptr) uintptr {
	r, _, errno := syscall.SyscallN(origNarrow, console, buf, n, written, reserved)
	if obs := observer(); obs != nil {
		if r == 0 {
			obs.ObserveNarrow(nil, errno)
		} else if n > 0 {
			obs.ObserveNarrow(unsafe.Slice((*byte)(at(buf)), n), nil)
		}
	}
	return r
}

func writeConsoleW(console, buf, n, written, reserved uintptr) uintptr {
	r, _, errno := syscall.SyscallN(origWide, console, buf, n, written, reserved)
	if obs := observer(); obs != nil {
		if r == 0 {
			obs.ObserveWide(nil, errno)
		} else if n > 0 {
			obs.ObserveWide(unsafe.Slice((*uint16)(at(buf)), n), nil)
		}
	}
	return r
}

// importEntries returns the addresses of every import address table slot
// in the PE image at base.
func importEntries(base uintptr) ([]uintptr, error) {
	u16 := func(off uintptr) uint16 { return *(*uint16)(at(base + off)) }
	u32 := func(off uintptr) uint32 { return *(*uint32)(at(base + off)) }

	if u16(0) != 0x5a4d { // MZ
		return nil, errors.New("agent: bad DOS header")
	}
	nt := uintptr(u32(0x3c))
	if u32(nt) != 0x4550 { // PE\0\0
		return nil, errors.New("agent: bad NT header")
	}
	opt := nt + 4 + 20
	var dirs uintptr
	switch u16(opt) {
	case 0x20b:
		dirs = opt + 112
	case 0x10b:
		dirs = opt + 96
	default:
		return nil, errors.New("agent: unknown optional header")
	}
	importRVA := uintptr(u32(dirs + 8))
	if importRVA == 0 {
		return nil, nil
	}

	ptr := unsafe.Sizeof(uintptr(0))
	var entries []uintptr
	for desc := importRVA; ; desc += 20 {
		name, first := u32(desc+12), u32(desc+16)
		if name == 0 && first == 0 {
			break
		}
		for slot := uintptr(first); *(*uintptr)(at(base + slot)) != 0; slot += ptr {
			entries = append(entries, base+slot)
		}
	}
	return entries, nil
}
