package session

import (
	"context"
	"sync"
)

// Kind discriminates queue messages.
type Kind int

const (
	// Data carries child output.
	Data Kind = iota
	// Error carries a failure on the output path or during setup.
	Error
	// Done marks the end of the session. It is the last Data-queue message.
	Done
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case Error:
		return "error"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Message is one item on a session queue.
type Message struct {
	Kind  Kind
	Bytes []byte
	// Err is set on Error messages.
	Err error
	// ExitCode is set on Done messages.
	ExitCode int
}

// Queue is an unbounded FIFO of messages. Any number of goroutines may
// Put; one consumer is expected.
type Queue struct {
	mu       sync.Mutex
	items    []Message
	readable chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{readable: make(chan struct{}, 1)}
}

// Put appends m and raises the readable notification.
func (q *Queue) Put(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.readable <- struct{}{}:
	default:
	}
}

// Readable receives a value whenever the queue may have become non-empty.
// Notifications coalesce; drain with Pop after each one.
func (q *Queue) Readable() <-chan struct{} {
	return q.readable
}

// Pop removes the oldest message.
func (q *Queue) Pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items[0] = Message{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.notify()
	}
	return m, true
}

// Next blocks until a message is available or ctx is done.
func (q *Queue) Next(ctx context.Context) (Message, error) {
	for {
		if m, ok := q.Pop(); ok {
			return m, nil
		}
		select {
		case <-q.readable:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
