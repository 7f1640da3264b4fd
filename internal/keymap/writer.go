package keymap

import (
	"conexpect/internal/wire"
)

// Writer synthesizes key events for every byte written to it and hands
// them to Post as input messages.
//
// Escape sequences are only recognized when they arrive whole within one
// Write; a sequence cut short by the end of the buffer is typed literally.
type Writer struct {
	// Post delivers one input message. It must not retain the message.
	Post func(*wire.InputMessage) error
	// Unbatched posts each character as its own message.
	Unbatched bool
	// Escapes enables translation of VT escape sequences into
	// function-key events.
	Escapes bool
}

// Write implements io.Writer. It stops at the first failed post and
// reports how many bytes had been delivered before it.
func (w *Writer) Write(p []byte) (int, error) {
	msg := &wire.InputMessage{Kind: wire.InputRecords, Events: make([]wire.KeyEvent, 0, wire.MaxEvents)}
	// done counts bytes whose events have been posted; pending counts
	// bytes whose events sit in msg.
	done, pending := 0, 0

	flush := func() error {
		if len(msg.Events) == 0 {
			return nil
		}
		if err := w.Post(msg); err != nil {
			return err
		}
		done += pending
		pending = 0
		msg.Events = msg.Events[:0]
		return nil
	}

	for i := 0; i < len(p); {
		var evs [2]wire.KeyEvent
		n := 1
		emit := true

		if w.Escapes && p[i] == 0x1b {
			if key, used, ok := ScanEscape(p[i:]); ok {
				n = used
				if fk, err := FunctionKeyEvents(key); err == nil {
					evs = fk
				} else {
					emit = false
				}
			} else {
				evs = CharEvents(p[i])
			}
		} else {
			evs = CharEvents(p[i])
		}

		if emit && len(msg.Events)+len(evs) > wire.MaxEvents {
			if err := flush(); err != nil {
				return done, err
			}
		}
		if emit {
			msg.Events = append(msg.Events, evs[:]...)
		}
		pending += n
		i += n

		if w.Unbatched {
			if err := flush(); err != nil {
				return done, err
			}
			// Bytes that produced no events still count as written.
			done += pending
			pending = 0
		}
	}
	if err := flush(); err != nil {
		return done, err
	}
	return done + pending, nil
}

// PostKey posts the press and release of a function key.
func PostKey(post func(*wire.InputMessage) error, k FunctionKey) error {
	evs, err := FunctionKeyEvents(k)
	if err != nil {
		return err
	}
	return post(&wire.InputMessage{Kind: wire.InputRecords, Events: evs[:]})
}
