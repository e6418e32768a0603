package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/vk/lockstep/internal/codec/jsoncodec"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
)

var _ engine.Transport = (*Client)(nil)

// ErrClosed is returned for requests issued after the stream closed.
var ErrClosed = errors.New("jsonl: connection closed")

// Client is the orchestrator side of the protocol.
type Client struct {
	conn    io.ReadWriteCloser
	catalog *device.Catalog

	writeMu sync.Mutex
	w       *bufio.Writer

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan response

	closeOnce sync.Once
	closed    chan struct{}
	readErr   error
}

// NewClient starts reading responses from conn. The client owns conn and
// closes it on Shutdown or Close.
func NewClient(ctx context.Context, conn io.ReadWriteCloser, catalog *device.Catalog) *Client {
	c := &Client{
		conn:    conn,
		catalog: catalog,
		w:       bufio.NewWriter(conn),
		pending: make(map[int64]chan response),
		closed:  make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

func (c *Client) readLoop(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		id := gjson.GetBytes(line, "id")
		if !id.Exists() {
			logger.Warn("Dropping engine message without id.", "line", truncate(line))
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			logger.Warn("Dropping malformed engine message.", "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdownStream(err)
}

func (c *Client) shutdownStream(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.closed)
		_ = c.conn.Close()
	})
}

func truncate(b []byte) string {
	if len(b) > 120 {
		return string(b[:120]) + "..."
	}
	return string(b)
}

func (c *Client) send(verb string, params any) (int64, chan response, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := marshal(params)
		if err != nil {
			return 0, nil, err
		}
		raw = b
	}
	id := c.nextID.Add(1)
	line, err := marshal(request{ID: id, Verb: verb, Params: raw})
	if err != nil {
		return 0, nil, err
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	select {
	case <-c.closed:
		c.forget(id)
		return 0, nil, ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		c.forget(id)
		return 0, nil, err
	}
	if err := c.w.Flush(); err != nil {
		c.forget(id)
		return 0, nil, err
	}
	return id, ch, nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// call sends a request and decodes the result into out.
func (c *Client) call(ctx context.Context, verb string, params, out any) error {
	id, ch, err := c.send(verb, params)
	if err != nil {
		return fmt.Errorf("%s: %w", verb, err)
	}
	select {
	case resp := <-ch:
		if !resp.OK {
			return fmt.Errorf("%s: engine error: %s", verb, resp.Error)
		}
		if out != nil {
			if len(resp.Result) == 0 {
				return fmt.Errorf("%s: empty result", verb)
			}
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("%s: malformed result: %w", verb, err)
			}
		}
		return nil
	case <-c.closed:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return fmt.Errorf("%s: %w: %v", verb, ErrClosed, err)
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%s: %w", verb, ctx.Err())
	}
}

// Initialize implements engine.Transport.
func (c *Client) Initialize(ctx context.Context, config []byte) error {
	if len(config) == 0 {
		config = []byte("{}")
	}
	var res initializeResult
	if err := c.call(ctx, VerbInitialize, initializeParams{Config: config}, &res); err != nil {
		return err
	}
	if !res.Initialized {
		return fmt.Errorf("%s: engine did not acknowledge initialization", VerbInitialize)
	}
	return nil
}

// RunStep implements engine.Transport.
func (c *Client) RunStep(ctx context.Context, timeStep time.Duration) (time.Duration, error) {
	var res runStepResult
	if err := c.call(ctx, VerbRunStep, runStepParams{TimeStep: int64(timeStep)}, &res); err != nil {
		return 0, err
	}
	return time.Duration(res.EngineTime), nil
}

// GetDevices implements engine.Transport.
func (c *Client) GetDevices(ctx context.Context, ids []device.Identifier) ([]*device.Device, error) {
	reqIDs, err := jsoncodec.EncodeIdentifiers(ids)
	if err != nil {
		return nil, err
	}
	var res devicesPayload
	if err := c.call(ctx, VerbGetDeviceInformation, getDevicesParams{Devices: reqIDs}, &res); err != nil {
		return nil, err
	}
	return jsoncodec.Decode(res.Devices, c.catalog)
}

// SetDevices implements engine.Transport.
func (c *Client) SetDevices(ctx context.Context, devices []*device.Device) error {
	data, err := jsoncodec.Encode(devices)
	if err != nil {
		return err
	}
	return c.call(ctx, VerbHandleDeviceData, devicesPayload{Devices: data}, nil)
}

// Shutdown implements engine.Transport. It writes the shutdown request and
// closes the stream without waiting for an answer.
func (c *Client) Shutdown(context.Context) error {
	id, _, err := c.send(VerbShutdown, nil)
	if err == nil {
		c.forget(id)
	}
	c.shutdownStream(ErrClosed)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Close releases the stream without notifying the engine.
func (c *Client) Close() error {
	c.shutdownStream(ErrClosed)
	return nil
}
