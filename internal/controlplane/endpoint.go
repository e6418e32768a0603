package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/vk/lockstep/internal/ctxlog"
)

// ErrClosed is returned once the endpoint has shut down.
var ErrClosed = errors.New("controlplane: endpoint closed")

// ErrIDPending is returned by Send when the packet ID is still awaiting
// its acknowledgement.
var ErrIDPending = errors.New("controlplane: packet id already pending")

// Endpoint sends and receives packets on one stream. It acknowledges every
// data frame it reads and tracks its own sent packets until the peer
// acknowledges them. An ID is pending at most once.
type Endpoint struct {
	conn io.ReadWriteCloser

	wmu sync.Mutex

	mu      sync.Mutex
	lastID  int32
	pending map[int32]chan struct{}
	acks    []int32

	// ackReady wakes the ack writer. The reader never writes itself, so two
	// endpoints on an unbuffered stream cannot block each other.
	ackReady chan struct{}

	incoming  chan Packet
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewEndpoint starts reading conn. The endpoint owns conn from now on.
func NewEndpoint(ctx context.Context, conn io.ReadWriteCloser) *Endpoint {
	e := &Endpoint{
		conn:     conn,
		pending:  make(map[int32]chan struct{}),
		incoming: make(chan Packet, 64),
		ackReady: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go e.readLoop(ctx)
	go e.ackLoop()
	return e
}

// NewID issues the next packet ID.
func (e *Endpoint) NewID() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastID = nextID(e.lastID)
	return e.lastID
}

// Send writes p and marks it pending. A zero p.ID is replaced with a fresh
// one; the ID used is returned. An explicit ID that is still pending is
// rejected with ErrIDPending and nothing is written.
func (e *Endpoint) Send(ctx context.Context, p Packet) (int32, error) {
	if p.ID == 0 {
		p.ID = e.NewID()
	}
	body, err := encodeData(p)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	select {
	case <-e.done:
		e.mu.Unlock()
		return 0, e.closedErr()
	default:
	}
	if _, ok := e.pending[p.ID]; ok {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrIDPending, p.ID)
	}
	e.pending[p.ID] = make(chan struct{})
	e.mu.Unlock()

	if err := e.write(ctx, frameData, body); err != nil {
		e.mu.Lock()
		delete(e.pending, p.ID)
		e.mu.Unlock()
		return 0, err
	}
	return p.ID, nil
}

// Recv returns the next data packet from the peer.
func (e *Endpoint) Recv(ctx context.Context) (Packet, error) {
	select {
	case p := <-e.incoming:
		return p, nil
	case <-e.done:
		// Drain what arrived before the close.
		select {
		case p := <-e.incoming:
			return p, nil
		default:
		}
		return Packet{}, e.closedErr()
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// Pending returns the IDs of sent packets not yet acknowledged, in
// ascending order.
func (e *Endpoint) Pending() []int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int32, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// WaitDelivered blocks until the peer acknowledges id. An ID that is not
// pending counts as delivered.
func (e *Endpoint) WaitDelivered(ctx context.Context, id int32) error {
	e.mu.Lock()
	ch, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-e.done:
		return e.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the endpoint shuts down.
func (e *Endpoint) Done() <-chan struct{} { return e.done }

// Err returns why the endpoint shut down: nil after Close or a clean end
// of stream from the peer.
func (e *Endpoint) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Close shuts the endpoint and its stream down.
func (e *Endpoint) Close() error {
	e.shutdown(nil)
	return nil
}

func (e *Endpoint) closedErr() error {
	if e.err != nil {
		return errors.Join(ErrClosed, e.err)
	}
	return ErrClosed
}

func (e *Endpoint) shutdown(err error) {
	e.closeOnce.Do(func() {
		e.err = err
		close(e.done)
		_ = e.conn.Close()
	})
}

func (e *Endpoint) write(ctx context.Context, kind byte, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if err := writeFrame(e.conn, kind, body); err != nil {
		e.shutdown(err)
		return err
	}
	return nil
}

func (e *Endpoint) readLoop(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	for {
		kind, body, err := readFrame(e.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			select {
			case <-e.done:
			default:
				if err != nil {
					logger.Debug("Control-plane stream failed.", "error", err)
				}
			}
			e.shutdown(err)
			return
		}

		switch kind {
		case frameAck:
			id, err := decodeAck(body)
			if err != nil {
				e.shutdown(err)
				return
			}
			e.mu.Lock()
			if ch, ok := e.pending[id]; ok {
				close(ch)
				delete(e.pending, id)
			}
			e.mu.Unlock()
		case frameData:
			p, err := decodeData(body)
			if err != nil {
				e.shutdown(err)
				return
			}
			e.mu.Lock()
			e.acks = append(e.acks, p.ID)
			e.mu.Unlock()
			select {
			case e.ackReady <- struct{}{}:
			default:
			}
			select {
			case e.incoming <- p:
			case <-e.done:
				return
			}
		default:
			logger.Warn("Ignoring unknown control-plane frame.", "kind", kind)
		}
	}
}

func (e *Endpoint) ackLoop() {
	for {
		select {
		case <-e.ackReady:
		case <-e.done:
			return
		}
		e.mu.Lock()
		ids := e.acks
		e.acks = nil
		e.mu.Unlock()
		for _, id := range ids {
			if err := e.write(context.Background(), frameAck, encodeAck(id)); err != nil {
				return
			}
		}
	}
}
