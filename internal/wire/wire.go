// Package wire defines the fixed-size messages exchanged between the
// controller and the agent running inside the child process.
//
// Every message occupies exactly one transport slot. Controller→agent
// slots carry a batch of console input records laid out exactly like the
// Windows INPUT_RECORD array, so the agent can hand them to the console
// without conversion. Agent→controller slots carry a bounded chunk of
// console output.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// InputKind discriminates controller→agent messages.
type InputKind uint32

const (
	// InputRecords carries key events for the child's input buffer.
	InputRecords InputKind = iota
	// CtrlEvent asks the agent to raise a console control event.
	CtrlEvent
)

// Console control events, as understood by GenerateConsoleCtrlEvent.
const (
	CtrlC     uint32 = 0
	CtrlBreak uint32 = 1
)

// OutputKind discriminates agent→controller messages.
type OutputKind uint32

const (
	// OutputWide carries UTF-16 code units from WriteConsoleW.
	OutputWide OutputKind = iota
	// OutputNarrow carries code page bytes from WriteConsoleA.
	OutputNarrow
	// OutputDropped reports how many bytes of output could not be posted.
	OutputDropped
)

func (k OutputKind) String() string {
	switch k {
	case OutputWide:
		return "wide"
	case OutputNarrow:
		return "narrow"
	case OutputDropped:
		return "dropped"
	default:
		return fmt.Sprintf("OutputKind(%d)", uint32(k))
	}
}

const (
	// MaxEvents is the number of key events one input slot can carry.
	MaxEvents = 80
	// MaxOutputBytes is the payload capacity of one output slot.
	MaxOutputBytes = 160
	// MaxOutputUnits is the payload capacity of one output slot in UTF-16 units.
	MaxOutputUnits = MaxOutputBytes / 2

	recordSize  = 20
	inputHeader = 8

	// InputSlotSize is the encoded size of an InputMessage.
	InputSlotSize = inputHeader + MaxEvents*recordSize

	outputHeader = 8

	// OutputSlotSize is the encoded size of an OutputMessage.
	OutputSlotSize = outputHeader + MaxOutputBytes

	keyEventType = 1
)

var (
	// ErrTooManyEvents is returned when a batch exceeds MaxEvents.
	ErrTooManyEvents = errors.New("wire: too many events for one slot")
	// ErrPayloadTooLarge is returned when output exceeds one slot.
	ErrPayloadTooLarge = errors.New("wire: payload exceeds slot capacity")
	// ErrShortMessage is returned when decoding a buffer smaller than a slot.
	ErrShortMessage = errors.New("wire: short message")
	// ErrMalformed is returned when a decoded header is inconsistent.
	ErrMalformed = errors.New("wire: malformed message")
)

// KeyEvent is one key transition, the KEY_EVENT_RECORD of the console API.
type KeyEvent struct {
	KeyDown         bool
	RepeatCount     uint16
	VirtualKeyCode  uint16
	VirtualScanCode uint16
	Char            uint16
	ControlKeyState uint32
}

// InputMessage is a controller→agent message.
type InputMessage struct {
	Kind InputKind
	// Event is the control event for CtrlEvent messages.
	Event  uint32
	Events []KeyEvent
}

// NewCtrlEvent builds a control event message.
func NewCtrlEvent(event uint32) *InputMessage {
	return &InputMessage{Kind: CtrlEvent, Event: event}
}

// MarshalBinary encodes m into a full input slot.
func (m *InputMessage) MarshalBinary() ([]byte, error) {
	if len(m.Events) > MaxEvents {
		return nil, ErrTooManyEvents
	}
	buf := make([]byte, InputSlotSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(m.Kind))
	switch m.Kind {
	case InputRecords:
		le.PutUint32(buf[4:], uint32(len(m.Events)))
	case CtrlEvent:
		le.PutUint32(buf[4:], m.Event)
	default:
		return nil, fmt.Errorf("%w: input kind %d", ErrMalformed, m.Kind)
	}
	for i, ev := range m.Events {
		putRecord(buf[inputHeader+i*recordSize:], ev)
	}
	return buf, nil
}

// UnmarshalBinary decodes an input slot.
func (m *InputMessage) UnmarshalBinary(buf []byte) error {
	if len(buf) < InputSlotSize {
		return ErrShortMessage
	}
	le := binary.LittleEndian
	m.Kind = InputKind(le.Uint32(buf[0:]))
	m.Event = 0
	m.Events = nil
	switch m.Kind {
	case InputRecords:
		n := le.Uint32(buf[4:])
		if n > MaxEvents {
			return fmt.Errorf("%w: %d records", ErrMalformed, n)
		}
		m.Events = make([]KeyEvent, n)
		for i := range m.Events {
			rec := buf[inputHeader+i*recordSize:]
			if le.Uint16(rec[0:]) != keyEventType {
				return fmt.Errorf("%w: record %d is not a key event", ErrMalformed, i)
			}
			m.Events[i] = getRecord(rec)
		}
	case CtrlEvent:
		m.Event = le.Uint32(buf[4:])
	default:
		return fmt.Errorf("%w: input kind %d", ErrMalformed, m.Kind)
	}
	return nil
}

// INPUT_RECORD { WORD EventType; KEY_EVENT_RECORD Event; } with the key
// record starting at offset 4.
func putRecord(rec []byte, ev KeyEvent) {
	le := binary.LittleEndian
	le.PutUint16(rec[0:], keyEventType)
	if ev.KeyDown {
		le.PutUint32(rec[4:], 1)
	}
	le.PutUint16(rec[8:], ev.RepeatCount)
	le.PutUint16(rec[10:], ev.VirtualKeyCode)
	le.PutUint16(rec[12:], ev.VirtualScanCode)
	le.PutUint16(rec[14:], ev.Char)
	le.PutUint32(rec[16:], ev.ControlKeyState)
}

func getRecord(rec []byte) KeyEvent {
	le := binary.LittleEndian
	return KeyEvent{
		KeyDown:         le.Uint32(rec[4:]) != 0,
		RepeatCount:     le.Uint16(rec[8:]),
		VirtualKeyCode:  le.Uint16(rec[10:]),
		VirtualScanCode: le.Uint16(rec[12:]),
		Char:            le.Uint16(rec[14:]),
		ControlKeyState: le.Uint32(rec[16:]),
	}
}

// OutputMessage is an agent→controller message.
//
// For OutputNarrow, Data holds the bytes written. For OutputWide, Data
// holds little-endian UTF-16 code units. For OutputDropped, Dropped holds
// the number of bytes lost and Data is empty.
type OutputMessage struct {
	Kind    OutputKind
	Data    []byte
	Dropped uint32
}

// MarshalBinary encodes m into a full output slot.
func (m *OutputMessage) MarshalBinary() ([]byte, error) {
	if len(m.Data) > MaxOutputBytes {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, OutputSlotSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(m.Kind))
	switch m.Kind {
	case OutputNarrow:
		le.PutUint32(buf[4:], uint32(len(m.Data)))
	case OutputWide:
		if len(m.Data)%2 != 0 {
			return nil, fmt.Errorf("%w: odd wide payload", ErrMalformed)
		}
		le.PutUint32(buf[4:], uint32(len(m.Data)/2))
	case OutputDropped:
		le.PutUint32(buf[4:], m.Dropped)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: output kind %d", ErrMalformed, m.Kind)
	}
	copy(buf[outputHeader:], m.Data)
	return buf, nil
}

// UnmarshalBinary decodes an output slot. Data is a fresh copy.
func (m *OutputMessage) UnmarshalBinary(buf []byte) error {
	if len(buf) < OutputSlotSize {
		return ErrShortMessage
	}
	le := binary.LittleEndian
	m.Kind = OutputKind(le.Uint32(buf[0:]))
	n := le.Uint32(buf[4:])
	m.Data = nil
	m.Dropped = 0
	switch m.Kind {
	case OutputNarrow:
		if n > MaxOutputBytes {
			return fmt.Errorf("%w: length %d", ErrMalformed, n)
		}
		m.Data = append([]byte(nil), buf[outputHeader:outputHeader+int(n)]...)
	case OutputWide:
		if n > MaxOutputUnits {
			return fmt.Errorf("%w: length %d", ErrMalformed, n)
		}
		m.Data = append([]byte(nil), buf[outputHeader:outputHeader+2*int(n)]...)
	case OutputDropped:
		m.Dropped = n
	default:
		return fmt.Errorf("%w: output kind %d", ErrMalformed, m.Kind)
	}
	return nil
}

// EncodeUnits packs UTF-16 code units into little-endian bytes.
func EncodeUnits(units []uint16) []byte {
	out := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[2*i:], u)
	}
	return out
}
