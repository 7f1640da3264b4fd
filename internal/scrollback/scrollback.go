// Package scrollback retains the most recent console output of a session so
// that a client attaching late can be replayed what it missed.
package scrollback

import (
	"sync"
	"unicode/utf8"
)

// DefaultSize is the retention per session when none is configured.
const DefaultSize = 1 << 20

// Buffer is a fixed-capacity circular byte store. The oldest bytes are
// overwritten once it is full. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	next    int
	wrapped bool
	total   int64
}

// New returns a Buffer keeping at most size bytes. A non-positive size
// selects DefaultSize.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{data: make([]byte, size)}
}

// Write appends p, evicting the oldest bytes as needed. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	n := len(p)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(n)

	if len(p) >= len(b.data) {
		copy(b.data, p[len(p)-len(b.data):])
		b.next = 0
		b.wrapped = true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(b.data[b.next:], p)
		p = p[c:]
		b.next += c
		if b.next == len(b.data) {
			b.next = 0
			b.wrapped = true
		}
	}
	return n, nil
}

// Snapshot returns a copy of the retained bytes, oldest first. When older
// output has been evicted, any leading bytes of a character cut in half by
// the eviction are dropped.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.wrapped {
		return append([]byte(nil), b.data[:b.next]...)
	}
	out := make([]byte, 0, len(b.data))
	out = append(out, b.data[b.next:]...)
	out = append(out, b.data[:b.next]...)
	return TrimOrphans(out)
}

// Len reports how many bytes are currently retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wrapped {
		return len(b.data)
	}
	return b.next
}

// Total reports how many bytes have ever been written.
func (b *Buffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// TrimOrphans skips UTF-8 continuation bytes at the start of p whose lead
// byte is gone. At most utf8.UTFMax-1 bytes are skipped.
func TrimOrphans(p []byte) []byte {
	for i := 0; i < utf8.UTFMax-1 && len(p) > 0; i++ {
		if utf8.RuneStart(p[0]) {
			break
		}
		p = p[1:]
	}
	return p
}

// PendingTail reports how many trailing bytes of p form the start of a
// UTF-8 sequence that is not complete yet.
func PendingTail(p []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		if !utf8.RuneStart(p[len(p)-i]) {
			continue
		}
		if utf8.FullRune(p[len(p)-i:]) {
			return 0
		}
		return i
	}
	return 0
}

// Carry reassembles characters split across consecutive output chunks.
// The zero value is ready to use; it is not safe for concurrent use.
type Carry struct {
	held []byte
}

// Next returns the part of chunk, prefixed with whatever was held back
// from the previous call, that ends on a character boundary. The
// remainder is held until the next call.
func (c *Carry) Next(chunk []byte) []byte {
	buf := chunk
	if len(c.held) > 0 {
		buf = append(c.held, chunk...)
		c.held = nil
	}
	if n := PendingTail(buf); n > 0 {
		c.held = append([]byte(nil), buf[len(buf)-n:]...)
		buf = buf[:len(buf)-n]
	}
	return buf
}

// Flush returns and clears anything still held back.
func (c *Carry) Flush() []byte {
	held := c.held
	c.held = nil
	return held
}
