//go:build windows

package agent

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"

	"conexpect/internal/wire"
)

var (
	modkernel32            = windows.NewLazySystemDLL("kernel32.dll")
	procWriteConsoleInputW = modkernel32.NewProc("WriteConsoleInputW")
	procWriteConsoleA      = modkernel32.NewProc("WriteConsoleA")
	procWriteConsoleW      = modkernel32.NewProc("WriteConsoleW")
	procOutputDebugStringW = modkernel32.NewProc("OutputDebugStringW")
)

const keyEventType = 1

// inputRecord mirrors INPUT_RECORD holding a KEY_EVENT_RECORD.
type inputRecord struct {
	eventType       uint16
	_               uint16
	keyDown         int32
	repeatCount     uint16
	virtualKeyCode  uint16
	virtualScanCode uint16
	unicodeChar     uint16
	controlKeyState uint32
}

// WinConsole is the process's attached console.
type WinConsole struct {
	in windows.Handle
}

// OpenConsole opens CONIN$ for writing input records.
func OpenConsole() (*WinConsole, error) {
	name, err := windows.UTF16PtrFromString("CONIN$")
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFile(name,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("open CONIN$: %w", err)
	}
	return &WinConsole{in: h}, nil
}

// WriteInput implements Console.
func (c *WinConsole) WriteInput(evs []wire.KeyEvent) error {
	recs := make([]inputRecord, len(evs))
	for i, ev := range evs {
		recs[i] = inputRecord{
			eventType:       keyEventType,
			repeatCount:     ev.RepeatCount,
			virtualKeyCode:  ev.VirtualKeyCode,
			virtualScanCode: ev.VirtualScanCode,
			unicodeChar:     ev.Char,
			controlKeyState: ev.ControlKeyState,
		}
		if ev.KeyDown {
			recs[i].keyDown = 1
		}
	}
	for off := 0; off < len(recs); {
		var written uint32
		r, _, err := procWriteConsoleInputW.Call(
			uintptr(c.in),
			uintptr(unsafe.Pointer(&recs[off])),
			uintptr(len(recs)-off),
			uintptr(unsafe.Pointer(&written)))
		if r == 0 {
			return fmt.Errorf("WriteConsoleInputW: %w", err)
		}
		if written == 0 {
			return fmt.Errorf("WriteConsoleInputW: no records accepted")
		}
		off += int(written)
	}
	return nil
}

// RaiseCtrl implements Console. Group 0 targets every process sharing
// the console.
func (c *WinConsole) RaiseCtrl(event uint32) error {
	return windows.GenerateConsoleCtrlEvent(event, 0)
}

// Close releases the console handle.
func (c *WinConsole) Close() error {
	return windows.CloseHandle(c.in)
}
