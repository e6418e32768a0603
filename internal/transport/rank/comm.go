// Package rank runs the engine protocol over rank-addressed message
// passing. Every participant has an integer rank; the orchestrator is rank
// 0. Messages are matched by (source rank, tag) and delivered in order per
// pair.
//
// Device values travel in two messages: a header with one integer per
// variable-length field, then the contiguous payload. The receiver sizes
// its buffer from the header before taking the payload.
package rank

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Orchestrator is the rank of the orchestrator in every world.
const Orchestrator = 0

// Message tags.
const (
	TagControl       = 1
	TagReply         = 2
	TagDeviceHeader  = 3
	TagDevicePayload = 4
)

var (
	// ErrClosed is returned by operations on a closed Comm.
	ErrClosed = errors.New("rank: communicator closed")
	// ErrTruncated is returned by RecvInto when the buffer is too small.
	ErrTruncated = errors.New("rank: message larger than receive buffer")
)

// Comm is one participant's view of a world.
type Comm interface {
	Rank() int
	// Send queues data for dest. It does not wait for a matching receive.
	Send(ctx context.Context, dest, tag int, data []byte) error
	// Recv blocks until a message from src with tag arrives.
	Recv(ctx context.Context, src, tag int) ([]byte, error)
	// RecvInto is Recv into a caller-sized buffer.
	RecvInto(ctx context.Context, src, tag int, buf []byte) (int, error)
	Close() error
}

type mailKey struct{ src, tag int }

// mailbox holds undelivered messages per (source, tag).
type mailbox struct {
	mu     sync.Mutex
	queues map[mailKey][][]byte
	gone   map[int]error
	err    error
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		queues: make(map[mailKey][][]byte),
		gone:   make(map[int]error),
		signal: make(chan struct{}),
	}
}

// wake must be called with mu held.
func (m *mailbox) wake() {
	close(m.signal)
	m.signal = make(chan struct{})
}

func (m *mailbox) deliver(src, tag int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return
	}
	k := mailKey{src, tag}
	m.queues[k] = append(m.queues[k], data)
	m.wake()
}

// disconnect fails receives from src once its queued messages are drained.
func (m *mailbox) disconnect(src int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gone[src] = err
	m.wake()
}

func (m *mailbox) close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = err
		m.wake()
	}
}

func (m *mailbox) take(ctx context.Context, src, tag int) ([]byte, error) {
	k := mailKey{src, tag}
	for {
		m.mu.Lock()
		if q := m.queues[k]; len(q) > 0 {
			data := q[0]
			if len(q) == 1 {
				delete(m.queues, k)
			} else {
				m.queues[k] = q[1:]
			}
			m.mu.Unlock()
			return data, nil
		}
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return nil, err
		}
		if err, ok := m.gone[src]; ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("rank %d disconnected: %w", src, err)
		}
		signal := m.signal
		m.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *mailbox) takeInto(ctx context.Context, src, tag int, buf []byte) (int, error) {
	data, err := m.take(ctx, src, tag)
	if err != nil {
		return 0, err
	}
	if len(data) > len(buf) {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrTruncated, len(data), len(buf))
	}
	return copy(buf, data), nil
}
