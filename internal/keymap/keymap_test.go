package keymap

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"conexpect/internal/wire"
)

func TestCharEvents_PrintableASCII(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := rapid.ByteRange(0x20, 0x7e).Draw(t, "c")
		evs := CharEvents(c)
		down, up := evs[0], evs[1]
		if !down.KeyDown || up.KeyDown {
			t.Fatalf("want down then up, got %+v", evs)
		}
		if down.VirtualKeyCode != up.VirtualKeyCode ||
			down.VirtualScanCode != up.VirtualScanCode ||
			down.ControlKeyState != up.ControlKeyState {
			t.Fatalf("down/up key fields differ: %+v", evs)
		}
		if down.Char != uint16(c) || up.Char != uint16(c) {
			t.Fatalf("char not set on both events: %+v", evs)
		}
	})
}

func TestCharEvents_UpperCaseNeedsShift(t *testing.T) {
	evs := CharEvents('A')
	require.Equal(t, uint16(65), evs[0].VirtualKeyCode)
	require.Equal(t, uint16(30), evs[0].VirtualScanCode)
	require.Equal(t, ShiftPressed, evs[0].ControlKeyState)

	lower := CharEvents('a')
	require.Equal(t, uint16(65), lower[0].VirtualKeyCode)
	require.Zero(t, lower[0].ControlKeyState)
}

func TestCharEvents_ControlCharacters(t *testing.T) {
	evs := CharEvents(0x03)
	require.Equal(t, uint16('C'), evs[0].VirtualKeyCode)
	require.Equal(t, RightCtrlPressed, evs[0].ControlKeyState)

	cr := CharEvents('\r')
	require.Equal(t, uint16(13), cr[0].VirtualKeyCode)
	require.Zero(t, cr[0].ControlKeyState)
}

func TestCharEvents_HighBitUsesLowSevenBits(t *testing.T) {
	evs := CharEvents(0xE1)
	require.Equal(t, ASCIIKey('a'), Key{evs[0].VirtualKeyCode, evs[0].VirtualScanCode, evs[0].ControlKeyState})
	require.Equal(t, uint16(0xE1), evs[0].Char)
}

func TestLookupEscape(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		key   FunctionKey
		used  int
		match Match
	}{
		{"cursor up", "\x1b[A", KeyUp, 3, MatchFull},
		{"trailing bytes", "\x1b[Bxyz", 0, 0, MatchNone},
		{"f10", "\x1b[21~", KeyF10, 5, MatchFull},
		{"ss3 f1", "\x1bOP", KeyF1, 3, MatchFull},
		{"lone escape", "\x1b", 0, 0, MatchPartial},
		{"half f5", "\x1b[15", 0, 0, MatchPartial},
		{"unknown", "\x1b[Z", 0, 0, MatchNone},
		{"not an escape", "abc", 0, 0, MatchNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, used, m := LookupEscape([]byte(tt.in))
			require.Equal(t, tt.match, m)
			if m == MatchFull {
				require.Equal(t, tt.key, key)
				require.Equal(t, tt.used, used)
			}
		})
	}
}

func TestScanEscape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		key  FunctionKey
		used int
		ok   bool
	}{
		{"exact", "\x1b[A", KeyUp, 3, true},
		{"trailing bytes", "\x1b[Bxyz", KeyDown, 3, true},
		{"f5 then text", "\x1b[15~ls", KeyF5, 5, true},
		{"incomplete", "\x1b[15", 0, 0, false},
		{"unknown", "\x1b[Zq", 0, 0, false},
		{"empty", "", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, used, ok := ScanEscape([]byte(tt.in))
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.key, key)
			require.Equal(t, tt.used, used)
		})
	}
}

func TestSequence_InvertsLookup(t *testing.T) {
	seq, ok := Sequence(VKUp)
	require.True(t, ok)
	require.Equal(t, "\x1b[A", seq)

	seq, ok = Sequence(VKF1 + 4)
	require.True(t, ok)
	require.Equal(t, "\x1b[15~", seq)

	_, ok = Sequence(0)
	require.False(t, ok)
}

func TestParseFunctionKey(t *testing.T) {
	k, err := ParseFunctionKey("PageDown")
	require.NoError(t, err)
	require.Equal(t, KeyPageDown, k)

	_, err = ParseFunctionKey("hyper")
	require.Error(t, err)
}

// recorder collects posted messages, optionally failing at a given post.
type recorder struct {
	msgs   []wire.InputMessage
	failAt int
	err    error
}

func (r *recorder) post(m *wire.InputMessage) error {
	if r.err != nil && len(r.msgs) == r.failAt {
		return r.err
	}
	cp := *m
	cp.Events = append([]wire.KeyEvent(nil), m.Events...)
	r.msgs = append(r.msgs, cp)
	return nil
}

func (r *recorder) events() []wire.KeyEvent {
	var all []wire.KeyEvent
	for _, m := range r.msgs {
		all = append(all, m.Events...)
	}
	return all
}

func TestWriter_ConsumesEverythingWhenPostsSucceed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := rapid.SliceOfN(rapid.Byte(), 0, 500).Draw(t, "p")
		rec := &recorder{}
		w := &Writer{Post: rec.post, Unbatched: rapid.Bool().Draw(t, "unbatched"), Escapes: rapid.Bool().Draw(t, "escapes")}
		n, err := w.Write(p)
		if err != nil {
			t.Fatal(err)
		}
		if n != len(p) {
			t.Fatalf("consumed %d of %d", n, len(p))
		}
		for _, m := range rec.msgs {
			if len(m.Events) > wire.MaxEvents {
				t.Fatalf("batch of %d events exceeds slot", len(m.Events))
			}
		}
	})
}

func TestWriter_SingleCharacter(t *testing.T) {
	rec := &recorder{}
	w := &Writer{Post: rec.post}
	n, err := w.Write([]byte("A"))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, rec.msgs, 1)

	evs := rec.msgs[0].Events
	require.Len(t, evs, 2)
	require.True(t, evs[0].KeyDown)
	require.False(t, evs[1].KeyDown)
	for _, ev := range evs {
		require.Equal(t, uint16(65), ev.VirtualKeyCode)
		require.Equal(t, uint16(30), ev.VirtualScanCode)
		require.Equal(t, ShiftPressed, ev.ControlKeyState)
		require.Equal(t, uint16('A'), ev.Char)
	}
}

func TestWriter_BatchesFortyCharactersPerSlot(t *testing.T) {
	rec := &recorder{}
	w := &Writer{Post: rec.post}
	n, err := w.Write([]byte(strings.Repeat("x", 100)))
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Len(t, rec.msgs, 3)
	require.Len(t, rec.msgs[0].Events, 80)
	require.Len(t, rec.msgs[1].Events, 80)
	require.Len(t, rec.msgs[2].Events, 40)
}

func TestWriter_UnbatchedPostsPerCharacter(t *testing.T) {
	rec := &recorder{}
	w := &Writer{Post: rec.post, Unbatched: true}
	_, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	require.Len(t, rec.msgs, 3)
}

func TestWriter_StopsAtFirstPostError(t *testing.T) {
	boom := errors.New("channel full")
	rec := &recorder{failAt: 1, err: boom}
	w := &Writer{Post: rec.post}
	n, err := w.Write([]byte(strings.Repeat("y", 100)))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 40, n)
	require.Len(t, rec.msgs, 1)
}

func TestWriter_EscapeSequences(t *testing.T) {
	rec := &recorder{}
	w := &Writer{Post: rec.post, Escapes: true}
	n, err := w.Write([]byte("a\x1b[Ab"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	evs := rec.events()
	require.Len(t, evs, 6)
	require.Equal(t, VKUp, evs[2].VirtualKeyCode)
	require.Zero(t, evs[2].Char)
	require.Equal(t, uint16('b'), evs[4].Char)
}

func TestWriter_PartialEscapeIsLiteral(t *testing.T) {
	rec := &recorder{}
	w := &Writer{Post: rec.post, Escapes: true}
	n, err := w.Write([]byte("\x1b["))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	evs := rec.events()
	require.Len(t, evs, 4)
	require.Equal(t, uint16(0x1b), evs[0].Char)
	require.Equal(t, uint16('['), evs[2].Char)
}

func TestWriter_ResizeReportProducesNoKeys(t *testing.T) {
	rec := &recorder{}
	w := &Writer{Post: rec.post, Escapes: true}
	n, err := w.Write([]byte("\x1b[39~"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Empty(t, rec.msgs)
}
