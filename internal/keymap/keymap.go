// Package keymap turns bytes into the key events a user would have
// produced on a US keyboard.
package keymap

import (
	"fmt"
	"strings"

	"conexpect/internal/wire"
)

// Match reports how a byte sequence relates to the escape table.
type Match int

const (
	// MatchNone means no table entry starts with the input.
	MatchNone Match = iota
	// MatchPartial means the input is a proper prefix of some entry;
	// more bytes are needed to decide.
	MatchPartial
	// MatchFull means an entire entry was found at the start of the input.
	MatchFull
)

// ASCIIKey returns the key for c. Only the low seven bits are used.
func ASCIIKey(c byte) Key {
	return ascii[c&0x7f]
}

// CharEvents returns the key-down and key-up events that type c.
func CharEvents(c byte) [2]wire.KeyEvent {
	return pressRelease(ASCIIKey(c), uint16(c))
}

// FunctionKeyEvents returns the key-down and key-up events for k.
func FunctionKeyEvents(k FunctionKey) ([2]wire.KeyEvent, error) {
	if k < 0 || int(k) >= len(functionKeys) {
		return [2]wire.KeyEvent{}, fmt.Errorf("keymap: no key for function %d", k)
	}
	return pressRelease(functionKeys[k], 0), nil
}

func pressRelease(k Key, char uint16) [2]wire.KeyEvent {
	ev := wire.KeyEvent{
		KeyDown:         true,
		RepeatCount:     1,
		VirtualKeyCode:  k.VirtualKey,
		VirtualScanCode: k.ScanCode,
		Char:            char,
		ControlKeyState: k.Modifiers,
	}
	up := ev
	up.KeyDown = false
	return [2]wire.KeyEvent{ev, up}
}

// LookupEscape matches all of buf against the escape table. MatchFull
// needs an entry of exactly buf's length and content, and the returned
// length is then len(buf).
func LookupEscape(buf []byte) (FunctionKey, int, Match) {
	s := string(buf)
	for _, e := range escapes {
		if s == e.seq {
			return e.key, len(e.seq), MatchFull
		}
	}
	for _, e := range escapes {
		if len(s) < len(e.seq) && strings.HasPrefix(e.seq, s) {
			return 0, 0, MatchPartial
		}
	}
	return 0, 0, MatchNone
}

// ScanEscape finds the escape sequence at the start of buf, which may be
// followed by unrelated bytes. It reports false when buf does not start
// with a complete table entry.
func ScanEscape(buf []byte) (FunctionKey, int, bool) {
	for n := 1; n <= len(buf); n++ {
		key, used, m := LookupEscape(buf[:n])
		switch m {
		case MatchFull:
			return key, used, true
		case MatchNone:
			return 0, 0, false
		}
	}
	return 0, 0, false
}

// Sequence returns the canonical escape sequence for a virtual key code,
// the inverse of LookupEscape for terminals that want bytes back.
func Sequence(vk uint16) (string, bool) {
	for _, e := range escapes {
		if int(e.key) < len(functionKeys) && functionKeys[e.key].VirtualKey == vk {
			return e.seq, true
		}
	}
	return "", false
}

// ParseFunctionKey resolves a key name such as "up" or "f5".
func ParseFunctionKey(name string) (FunctionKey, error) {
	k, ok := functionKeyNames[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("keymap: unknown key %q", name)
	}
	return k, nil
}
