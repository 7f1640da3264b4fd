package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"conexpect/internal/transport"
	"conexpect/internal/wire"
)

// forwarder moves agent output from the from-child mailbox onto the
// session queues, in the order the agent posted it.
type forwarder struct {
	ep     transport.Endpoint
	data   *Queue
	errs   *Queue
	logger *slog.Logger
	wide   *encoding.Decoder
}

func newForwarder(ep transport.Endpoint, data, errs *Queue, logger *slog.Logger) *forwarder {
	return &forwarder{
		ep:     ep,
		data:   data,
		errs:   errs,
		logger: logger,
		wide:   unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder(),
	}
}

// run forwards until ctx is cancelled or the agent goes away.
func (f *forwarder) run(ctx context.Context) {
	for {
		buf, err := f.ep.Receive(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrCancelled) && !errors.Is(err, transport.ErrBroken) {
				f.fail(fmt.Errorf("receive output: %w", err))
			}
			return
		}
		f.handle(buf)
	}
}

// drain forwards whatever is still queued without blocking.
func (f *forwarder) drain() {
	for {
		buf, err := f.ep.TryReceive()
		if err != nil {
			return
		}
		f.handle(buf)
	}
}

func (f *forwarder) handle(buf []byte) {
	var msg wire.OutputMessage
	if err := msg.UnmarshalBinary(buf); err != nil {
		f.fail(fmt.Errorf("decode output: %w", err))
		return
	}
	switch msg.Kind {
	case wire.OutputNarrow:
		if len(msg.Data) > 0 {
			f.data.Put(Message{Kind: Data, Bytes: msg.Data})
		}
	case wire.OutputWide:
		out, err := f.wide.Bytes(msg.Data)
		if err != nil {
			f.fail(fmt.Errorf("decode wide output: %w", err))
			return
		}
		if len(out) > 0 {
			f.data.Put(Message{Kind: Data, Bytes: out})
		}
	case wire.OutputDropped:
		f.fail(fmt.Errorf("%w: %d bytes", ErrOutputDropped, msg.Dropped))
	}
}

func (f *forwarder) fail(err error) {
	f.logger.Warn("output path error", "error", err)
	f.errs.Put(Message{Kind: Error, Bytes: []byte(err.Error()), Err: err})
}
