package rank

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vk/lockstep/internal/ctxlog"
)

// frameHeader is the source and tag prefix of every websocket frame.
const frameHeader = 8

func encodeFrame(src, tag int, data []byte) []byte {
	buf := make([]byte, frameHeader+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(src))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(tag))
	copy(buf[frameHeader:], data)
	return buf
}

func decodeFrame(buf []byte) (src, tag int, data []byte, err error) {
	if len(buf) < frameHeader {
		return 0, 0, nil, fmt.Errorf("short frame of %d bytes", len(buf))
	}
	src = int(binary.LittleEndian.Uint32(buf[0:4]))
	tag = int(binary.LittleEndian.Uint32(buf[4:8]))
	return src, tag, buf[frameHeader:], nil
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *wsConn) write(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// readLoop delivers frames from a peer of known rank until the connection
// ends.
func readLoop(conn *websocket.Conn, expectSrc int, box *mailbox) error {
	for {
		mt, buf, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		src, tag, data, err := decodeFrame(buf)
		if err != nil {
			return err
		}
		if src != expectSrc {
			return fmt.Errorf("frame claims rank %d on the connection of rank %d", src, expectSrc)
		}
		box.deliver(src, tag, data)
	}
}

// Hub is the orchestrator's end of a websocket world. Engine processes
// connect to it with Dial and are addressed by the rank they announce.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	box      *mailbox

	mu     sync.Mutex
	peers  map[int]*wsConn
	joined chan struct{}
	closed bool
}

// NewHub returns a hub with no peers. ctx carries the hub's logger.
func NewHub(ctx context.Context) *Hub {
	return &Hub{
		logger:   ctxlog.FromContext(ctx),
		upgrader: websocket.Upgrader{ReadBufferSize: 64 << 10, WriteBufferSize: 64 << 10},
		box:      newMailbox(),
		peers:    make(map[int]*wsConn),
		joined:   make(chan struct{}),
	}
}

// ServeHTTP upgrades a peer connection. The peer names its rank in the
// "rank" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger
	rank, err := strconv.Atoi(r.URL.Query().Get("rank"))
	if err != nil || rank <= Orchestrator {
		http.Error(w, "rank must be a positive integer", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	_, taken := h.peers[rank]
	closed := h.closed
	h.mu.Unlock()
	if taken || closed {
		http.Error(w, fmt.Sprintf("rank %d is not available", rank), http.StatusConflict)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Rank peer upgrade failed.", "rank", rank, "error", err)
		return
	}
	peer := &wsConn{conn: conn}

	h.mu.Lock()
	if _, taken := h.peers[rank]; taken || h.closed {
		h.mu.Unlock()
		_ = peer.close()
		return
	}
	h.peers[rank] = peer
	close(h.joined)
	h.joined = make(chan struct{})
	h.mu.Unlock()
	logger.Debug("Rank peer joined.", "rank", rank)

	err = readLoop(conn, rank, h.box)

	h.mu.Lock()
	if h.peers[rank] == peer {
		delete(h.peers, rank)
	}
	h.mu.Unlock()
	_ = conn.Close()
	h.box.disconnect(rank, err)
	logger.Debug("Rank peer left.", "rank", rank, "error", err)
}

// WaitForRank blocks until a peer with the given rank is connected.
func (h *Hub) WaitForRank(ctx context.Context, rank int) error {
	for {
		h.mu.Lock()
		_, ok := h.peers[rank]
		joined, closed := h.joined, h.closed
		h.mu.Unlock()
		if ok {
			return nil
		}
		if closed {
			return ErrClosed
		}
		select {
		case <-joined:
		case <-ctx.Done():
			return fmt.Errorf("waiting for rank %d: %w", rank, ctx.Err())
		}
	}
}

// Comm returns the orchestrator's communicator.
func (h *Hub) Comm() Comm { return hubComm{h} }

// Close disconnects every peer.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	peers := h.peers
	h.peers = map[int]*wsConn{}
	close(h.joined)
	h.mu.Unlock()

	var errs []error
	for _, p := range peers {
		errs = append(errs, p.close())
	}
	h.box.close(ErrClosed)
	return errors.Join(errs...)
}

type hubComm struct{ h *Hub }

func (c hubComm) Rank() int { return Orchestrator }

func (c hubComm) Send(ctx context.Context, dest, tag int, data []byte) error {
	c.h.mu.Lock()
	peer, ok := c.h.peers[dest]
	c.h.mu.Unlock()
	if !ok {
		return fmt.Errorf("rank %d is not connected", dest)
	}
	return peer.write(ctx, encodeFrame(Orchestrator, tag, data))
}

func (c hubComm) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	return c.h.box.take(ctx, src, tag)
}

func (c hubComm) RecvInto(ctx context.Context, src, tag int, buf []byte) (int, error) {
	return c.h.box.takeInto(ctx, src, tag, buf)
}

func (c hubComm) Close() error { return c.h.Close() }

// peerComm is an engine's end of a websocket world. It can only talk to
// the orchestrator.
type peerComm struct {
	rank int
	conn *wsConn
	box  *mailbox
}

// Dial joins the world served by the hub at rawURL as rank.
func Dial(ctx context.Context, rawURL string, rank int) (Comm, error) {
	if rank <= Orchestrator {
		return nil, fmt.Errorf("rank %d is reserved", rank)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("hub url: %w", err)
	}
	q := u.Query()
	q.Set("rank", strconv.Itoa(rank))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &peerComm{rank: rank, conn: &wsConn{conn: conn}, box: newMailbox()}
	go func() {
		err := readLoop(conn, Orchestrator, c.box)
		c.box.disconnect(Orchestrator, err)
	}()
	return c, nil
}

func (c *peerComm) Rank() int { return c.rank }

func (c *peerComm) Send(ctx context.Context, dest, tag int, data []byte) error {
	if dest != Orchestrator {
		return fmt.Errorf("rank %d can only send to the orchestrator, not %d", c.rank, dest)
	}
	return c.conn.write(ctx, encodeFrame(c.rank, tag, data))
}

func (c *peerComm) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	return c.box.take(ctx, src, tag)
}

func (c *peerComm) RecvInto(ctx context.Context, src, tag int, buf []byte) (int, error) {
	return c.box.takeInto(ctx, src, tag, buf)
}

func (c *peerComm) Close() error {
	c.box.close(ErrClosed)
	return c.conn.close()
}
