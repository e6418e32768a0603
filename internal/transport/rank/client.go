package rank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vk/lockstep/internal/codec/rankcodec"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
)

var _ engine.Transport = (*Client)(nil)

// Client drives the engine at rank peer through the orchestrator's Comm.
// Several clients can share one Comm.
type Client struct {
	comm    Comm
	peer    int
	catalog *device.Catalog

	// mu keeps request sequences from interleaving.
	mu sync.Mutex
}

// NewClient returns a client for the engine at rank peer.
func NewClient(comm Comm, peer int, catalog *device.Catalog) *Client {
	return &Client{comm: comm, peer: peer, catalog: catalog}
}

func (c *Client) sendControl(ctx context.Context, ctl control) error {
	data, err := marshal(ctl)
	if err != nil {
		return err
	}
	if err := c.comm.Send(ctx, c.peer, TagControl, data); err != nil {
		return fmt.Errorf("%s: %w", ctl.Verb, err)
	}
	return nil
}

func (c *Client) recvReply(ctx context.Context, verb string) (reply, error) {
	data, err := c.comm.Recv(ctx, c.peer, TagReply)
	if err != nil {
		return reply{}, fmt.Errorf("%s: %w", verb, err)
	}
	var r reply
	if err := unmarshal(data, &r); err != nil {
		return reply{}, fmt.Errorf("%s: malformed reply: %w", verb, err)
	}
	if !r.OK {
		return r, fmt.Errorf("%s: engine error: %s", verb, r.Error)
	}
	return r, nil
}

func (c *Client) call(ctx context.Context, ctl control) (reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendControl(ctx, ctl); err != nil {
		return reply{}, err
	}
	return c.recvReply(ctx, ctl.Verb)
}

// Initialize implements engine.Transport.
func (c *Client) Initialize(ctx context.Context, config []byte) error {
	_, err := c.call(ctx, control{Verb: verbInitialize, Config: config})
	return err
}

// RunStep implements engine.Transport.
func (c *Client) RunStep(ctx context.Context, timeStep time.Duration) (time.Duration, error) {
	r, err := c.call(ctx, control{Verb: verbRunStep, TimeStep: int64(timeStep)})
	if err != nil {
		return 0, err
	}
	return time.Duration(r.EngineTime), nil
}

// GetDevices implements engine.Transport.
func (c *Client) GetDevices(ctx context.Context, ids []device.Identifier) ([]*device.Device, error) {
	schemas := make([]*device.Schema, len(ids))
	for i, id := range ids {
		s, ok := c.catalog.Lookup(id.Type)
		if !ok {
			return nil, fmt.Errorf("%s: unknown device type %q", verbGetDevices, id.Type)
		}
		schemas[i] = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendControl(ctx, control{Verb: verbGetDevices, Identifiers: toWire(ids)}); err != nil {
		return nil, err
	}
	if _, err := c.recvReply(ctx, verbGetDevices); err != nil {
		return nil, err
	}

	out := make([]*device.Device, len(ids))
	for i, s := range schemas {
		d, err := receiveDevice(ctx, c.comm, c.peer, s)
		if err != nil {
			return nil, fmt.Errorf("%s: device %s: %w", verbGetDevices, ids[i], err)
		}
		out[i] = d
	}
	return out, nil
}

// SetDevices implements engine.Transport.
func (c *Client) SetDevices(ctx context.Context, devices []*device.Device) error {
	msgs := make([]rankcodec.Message, len(devices))
	ids := make([]device.Identifier, len(devices))
	for i, d := range devices {
		m, err := rankcodec.Encode(d)
		if err != nil {
			return fmt.Errorf("%s: %w", verbSetDevices, err)
		}
		msgs[i] = m
		ids[i] = d.ID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendControl(ctx, control{Verb: verbSetDevices, Identifiers: toWire(ids)}); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := sendDevice(ctx, c.comm, c.peer, m); err != nil {
			return fmt.Errorf("%s: %w", verbSetDevices, err)
		}
	}
	_, err := c.recvReply(ctx, verbSetDevices)
	return err
}

// Shutdown implements engine.Transport. It does not wait for the engine and
// does not queue behind an in-flight request.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.sendControl(ctx, control{Verb: verbShutdown})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func sendDevice(ctx context.Context, comm Comm, dest int, m rankcodec.Message) error {
	if err := comm.Send(ctx, dest, TagDeviceHeader, rankcodec.EncodeHeader(m.Header)); err != nil {
		return err
	}
	return comm.Send(ctx, dest, TagDevicePayload, m.Payload)
}

// receiveDevice takes one header, sizes the buffer from it and receives the
// payload into that buffer.
func receiveDevice(ctx context.Context, comm Comm, src int, s *device.Schema) (*device.Device, error) {
	raw, err := comm.Recv(ctx, src, TagDeviceHeader)
	if err != nil {
		return nil, err
	}
	header, err := rankcodec.DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	size, err := rankcodec.PayloadSize(s, header)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := comm.RecvInto(ctx, src, TagDevicePayload, buf)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, fmt.Errorf("payload is %d bytes, header announced %d", n, size)
	}
	return rankcodec.Decode(s, header, buf)
}
