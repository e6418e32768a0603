package controlplane

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/manager"
	"github.com/vk/lockstep/internal/simerr"
)

// Client is the supervising side of a control-plane channel.
type Client struct {
	ep *Endpoint

	mu      sync.Mutex
	waiters map[int32]chan Packet
}

// NewClient starts a client on conn. The client owns conn.
func NewClient(ctx context.Context, conn io.ReadWriteCloser) *Client {
	c := &Client{ep: NewEndpoint(ctx, conn), waiters: make(map[int32]chan Packet)}
	go c.dispatch(ctx)
	return c
}

func (c *Client) dispatch(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	for {
		p, err := c.ep.Recv(context.Background())
		if err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.waiters[p.ID]
		delete(c.waiters, p.ID)
		c.mu.Unlock()
		if !ok {
			logger.Warn("Dropping unexpected control-plane reply.", "id", p.ID, "command", p.Command)
			continue
		}
		ch <- p
	}
}

// Call sends command with req as payload and decodes the reply into resp.
// Error packets are returned as *RemoteError.
func (c *Client) Call(ctx context.Context, command string, req, resp any) error {
	payload, err := marshal(req)
	if err != nil {
		return err
	}
	id := c.ep.NewID()
	ch := make(chan Packet, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if _, err := c.ep.Send(ctx, Packet{ID: id, Command: command, Payload: payload}); err != nil {
		return err
	}
	select {
	case p := <-ch:
		if p.Command == CmdError {
			var report ErrorReport
			if err := unmarshal(p.Payload, &report); err != nil {
				return err
			}
			return &RemoteError{Code: simerr.Kind(report.Code), Message: report.Message}
		}
		return unmarshal(p.Payload, resp)
	case <-c.ep.Done():
		return c.ep.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the IDs of requests the server has not acknowledged.
func (c *Client) Pending() []int32 { return c.ep.Pending() }

// Close shuts the channel down.
func (c *Client) Close() error { return c.ep.Close() }

func (c *Client) Status(ctx context.Context) (manager.Status, error) {
	var s manager.Status
	err := c.Call(ctx, CmdStatus, nil, &s)
	return s, err
}

func (c *Client) Running(ctx context.Context) (RunningState, error) {
	var r RunningState
	err := c.Call(ctx, CmdGetRunning, nil, &r)
	return r, err
}

// SetRunning starts or stops the simulation. A nil timeout keeps the
// current one.
func (c *Client) SetRunning(ctx context.Context, running bool, timeout *time.Duration) error {
	return c.Call(ctx, CmdSetRunning, SetRunning{Running: running, Timeout: timeout}, nil)
}

// EngineData pulls devices from their engines. catalog decodes the reply.
func (c *Client) EngineData(ctx context.Context, catalog *device.Catalog, ids []device.Identifier) ([]*device.Device, error) {
	var out EngineData
	if err := c.Call(ctx, CmdGetEngineData, GetEngineData{Identifiers: toIdentifiers(ids)}, &out); err != nil {
		return nil, err
	}
	return decodeDevices(out.Devices, catalog)
}

// SetEngineData pushes devices into engine.
func (c *Client) SetEngineData(ctx context.Context, engine string, devices []*device.Device) error {
	data, err := encodeDevices(devices)
	if err != nil {
		return err
	}
	return c.Call(ctx, CmdSetEngineData, EngineData{Engine: engine, Devices: data}, nil)
}

// Shutdown asks the orchestrator to shut the simulation down and end the
// session.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, CmdShutdown, nil, nil)
}

// ReportError sends an error report to the orchestrator.
func (c *Client) ReportError(ctx context.Context, code simerr.Kind, message string) error {
	return c.Call(ctx, CmdError, ErrorReport{Code: int(code), Message: message}, nil)
}
