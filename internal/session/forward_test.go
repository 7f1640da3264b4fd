package session

import (
	"log/slog"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"

	"conexpect/internal/transport"
	"conexpect/internal/wire"
)

func forwardOne(t *testing.T, msg *wire.OutputMessage) (*Queue, *Queue) {
	t.Helper()
	reg := transport.NewRegistry()
	from, err := reg.Create("out", 4, wire.OutputSlotSize)
	require.NoError(t, err)
	defer from.Close()
	agentSide, err := reg.Create("out", 4, wire.OutputSlotSize)
	require.NoError(t, err)
	defer agentSide.Close()

	buf, err := msg.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, agentSide.Post(buf))

	data, errs := NewQueue(), NewQueue()
	newForwarder(from, data, errs, slog.Default()).drain()
	return data, errs
}

func TestForwarder_Narrow(t *testing.T) {
	data, errs := forwardOne(t, &wire.OutputMessage{Kind: wire.OutputNarrow, Data: []byte("ready\n")})
	m, ok := data.Pop()
	require.True(t, ok)
	require.Equal(t, Data, m.Kind)
	require.Equal(t, []byte("ready\n"), m.Bytes)
	require.Zero(t, errs.Len())
}

func TestForwarder_WideBecomesUTF8(t *testing.T) {
	units := utf16.Encode([]rune("héllo 😀"))
	data, _ := forwardOne(t, &wire.OutputMessage{Kind: wire.OutputWide, Data: wire.EncodeUnits(units)})
	m, ok := data.Pop()
	require.True(t, ok)
	require.Equal(t, "héllo 😀", string(m.Bytes))
}

func TestForwarder_DroppedGoesToErrorQueue(t *testing.T) {
	data, errs := forwardOne(t, &wire.OutputMessage{Kind: wire.OutputDropped, Dropped: 42})
	require.Zero(t, data.Len())
	m, ok := errs.Pop()
	require.True(t, ok)
	require.Equal(t, Error, m.Kind)
	require.ErrorIs(t, m.Err, ErrOutputDropped)
	require.Contains(t, string(m.Bytes), "42 bytes")
}

func TestForwarder_EmptyNarrowIsSkipped(t *testing.T) {
	data, errs := forwardOne(t, &wire.OutputMessage{Kind: wire.OutputNarrow})
	require.Zero(t, data.Len())
	require.Zero(t, errs.Len())
}
