package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/simerr"
	"go.uber.org/multierr"
)

// stepCall tracks one in-flight runLoopStep.
type stepCall struct {
	done       chan struct{}
	engineTime time.Duration
	err        error
}

// Client is the orchestrator's handle to one engine. All methods are safe
// for concurrent use; State, EngineTime and Err never block on engine I/O.
type Client struct {
	name   string
	typ    string
	config []byte

	// mu guards the state fields below. It is never held across I/O.
	mu         sync.Mutex
	state      State
	engineTime time.Duration
	step       *stepCall
	lastErr    error
	cache      map[device.Identifier]*device.Device
	transport  Transport
	process    Process

	// opMu serializes transport requests. A running step holds it until
	// the step returns.
	opMu sync.Mutex
}

// NewClient returns a client in the Created state. config is the payload
// sent to the engine during the initialization handshake.
func NewClient(name, engineType string, config []byte) *Client {
	return &Client{
		name:   name,
		typ:    engineType,
		config: config,
		state:  Created,
		cache:  make(map[device.Identifier]*device.Device),
	}
}

func (c *Client) Name() string { return c.name }
func (c *Client) Type() string { return c.typ }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// EngineTime returns the engine time published by the last completed step.
func (c *Client) EngineTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engineTime
}

// Err returns the failure that moved the client to Failed, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Launch runs start, which spawns the engine process and connects its
// transport. On failure the client stays Created.
func (c *Client) Launch(ctx context.Context, start func(context.Context) (Connection, error)) error {
	c.mu.Lock()
	if c.state != Created {
		st := c.state
		c.mu.Unlock()
		return simerr.Newf(simerr.KindInvalidState, c.name, "launch", "client is %s", st)
	}
	c.mu.Unlock()

	conn, err := start(ctx)
	if err != nil {
		return simerr.New(simerr.KindLaunch, c.name, "launch", err)
	}
	if conn.Transport == nil {
		return simerr.Newf(simerr.KindLaunch, c.name, "launch", "launcher returned no transport")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = conn.Transport
	c.process = conn.Process
	c.state = Launched
	ctxlog.FromContext(ctx).Debug("Engine launched.", "engine", c.name, "type", c.typ)
	return nil
}

// Initialize performs the one-time configuration handshake.
func (c *Client) Initialize(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != Launched {
		st := c.state
		c.mu.Unlock()
		return simerr.Newf(simerr.KindInvalidState, c.name, "initialize", "client is %s", st)
	}
	t := c.transport
	c.mu.Unlock()

	if err := t.Initialize(ctx, c.config); err != nil {
		return c.fail(ctx, simerr.New(simerr.KindInitialization, c.name, "initialize", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Launched {
		return simerr.Newf(simerr.KindInvalidState, c.name, "initialize", "client became %s during handshake", c.state)
	}
	c.state = Initialized
	ctxlog.FromContext(ctx).Debug("Engine initialized.", "engine", c.name)
	return nil
}

// RunLoopStep starts one step of timeStep and returns without waiting for
// it. It is rejected unless the client is Initialized or Idle.
func (c *Client) RunLoopStep(ctx context.Context, timeStep time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.canStep() {
		return simerr.Newf(simerr.KindInvalidState, c.name, "run step", "client is %s", c.state)
	}
	if !c.opMu.TryLock() {
		return simerr.Newf(simerr.KindInvalidState, c.name, "run step", "a device request is in flight")
	}

	call := &stepCall{done: make(chan struct{})}
	c.step = call
	c.state = Stepping
	t := c.transport

	// The step outlives this call, so it must not inherit the caller's
	// cancellation.
	stepCtx := context.WithoutCancel(ctx)
	go func() {
		engineTime, err := t.RunStep(stepCtx, timeStep)
		call.engineTime = engineTime
		call.err = err
		// Release before signalling so a waiter can immediately issue the
		// next request.
		c.opMu.Unlock()
		close(call.done)
	}()
	return nil
}

// WaitForStepCompletion blocks until the in-flight step finishes or
// timeout elapses. A non-positive timeout waits indefinitely. Without a
// step in flight it returns nil immediately.
func (c *Client) WaitForStepCompletion(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	call := c.step
	c.mu.Unlock()
	if call == nil {
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-call.done:
	case <-expired:
		return simerr.Newf(simerr.KindStepTimeout, c.name, "wait for step", "step did not complete within %s", timeout)
	case <-ctx.Done():
		return simerr.New(simerr.KindStepTimeout, c.name, "wait for step", ctx.Err())
	}

	c.mu.Lock()
	if c.step != call {
		// Another waiter already settled this step.
		err := c.lastErr
		c.mu.Unlock()
		return err
	}
	c.step = nil
	if c.state != Stepping {
		st := c.state
		c.mu.Unlock()
		return simerr.Newf(simerr.KindInvalidState, c.name, "wait for step", "client became %s during step", st)
	}
	if call.err != nil {
		c.mu.Unlock()
		return c.fail(ctx, simerr.New(simerr.KindTransport, c.name, "run step", call.err))
	}
	if call.engineTime < c.engineTime {
		prev := c.engineTime
		c.mu.Unlock()
		return c.fail(ctx, simerr.Newf(simerr.KindTransport, c.name, "run step",
			"engine time went backwards from %s to %s", prev, call.engineTime))
	}
	c.engineTime = call.engineTime
	c.state = Idle
	c.mu.Unlock()
	return nil
}

// HandleInputDevices pushes device values into the engine. Accepted values
// join the collected values a Failed client still answers from.
func (c *Client) HandleInputDevices(ctx context.Context, devices []*device.Device) error {
	if len(devices) == 0 {
		return nil
	}
	if _, err := c.transportFor("handle input devices"); err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	t, err := c.transportFor("handle input devices")
	if err != nil {
		return err
	}
	if err := t.SetDevices(ctx, devices); err != nil {
		return c.fail(ctx, simerr.New(simerr.KindTransport, c.name, "handle input devices", err))
	}

	c.mu.Lock()
	for _, d := range devices {
		c.cache[d.ID()] = d.Clone()
	}
	c.mu.Unlock()
	return nil
}

// RequestOutputDevices pulls the identified devices from the engine. A
// Failed client answers from the values it collected before failing.
func (c *Client) RequestOutputDevices(ctx context.Context, ids []device.Identifier) ([]*device.Device, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if c.State() == Failed {
		return c.cached(ids)
	}
	if _, err := c.transportFor("request output devices"); err != nil {
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	t, err := c.transportFor("request output devices")
	if err != nil {
		return nil, err
	}
	devices, err := t.GetDevices(ctx, ids)
	if err != nil {
		return nil, c.fail(ctx, simerr.New(simerr.KindTransport, c.name, "request output devices", err))
	}

	c.mu.Lock()
	for _, d := range devices {
		c.cache[d.ID()] = d.Clone()
	}
	c.mu.Unlock()
	return devices, nil
}

// CachedDevices returns every device value pulled from or pushed into the
// engine so far.
func (c *Client) CachedDevices() []*device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*device.Device, 0, len(c.cache))
	for _, d := range c.cache {
		out = append(out, d.Clone())
	}
	return out
}

func (c *Client) cached(ids []device.Identifier) ([]*device.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*device.Device, 0, len(ids))
	for _, id := range ids {
		d, ok := c.cache[id]
		if !ok {
			return nil, simerr.Newf(simerr.KindNotFound, c.name, "request output devices", "no collected value for %s", id)
		}
		out = append(out, d.Clone())
	}
	return out, nil
}

// transportFor checks that device I/O is allowed. Callers check once
// before taking opMu, so they never queue behind a running step, and again
// after.
func (c *Client) transportFor(op string) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Initialized && c.state != Idle {
		return nil, simerr.Newf(simerr.KindInvalidState, c.name, op, "client is %s", c.state)
	}
	return c.transport, nil
}

// Shutdown asks the engine to exit and stops its process. It is valid from
// any non-terminal state and does not wait for the engine to acknowledge.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Terminated || c.state == ShuttingDown {
		c.mu.Unlock()
		return nil
	}
	c.state = ShuttingDown
	t, p := c.transport, c.process
	c.mu.Unlock()

	logger := ctxlog.FromContext(ctx).With("engine", c.name)
	logger.Debug("Shutting down engine.")

	var err error
	if t != nil {
		if sErr := t.Shutdown(ctx); sErr != nil {
			logger.Debug("Engine did not take the shutdown command.", "error", sErr)
			err = multierr.Append(err, sErr)
		}
	}
	if p != nil {
		if pErr := p.Stop(ctx); pErr != nil {
			err = multierr.Append(err, fmt.Errorf("stop process: %w", pErr))
		}
	}

	c.mu.Lock()
	c.state = Terminated
	c.mu.Unlock()
	if err != nil {
		return simerr.New(simerr.KindTransport, c.name, "shutdown", err)
	}
	return nil
}

// fail moves the client to Failed unless it is already shutting down, and
// returns err for the caller to propagate.
func (c *Client) fail(ctx context.Context, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ShuttingDown || c.state == Terminated {
		return err
	}
	c.state = Failed
	c.lastErr = err
	ctxlog.FromContext(ctx).Error("Engine failed.", "engine", c.name, "error", err)
	return err
}

// IsFailed reports whether err left an engine in the Failed state, as
// opposed to a rejected call.
func IsFailed(err error) bool {
	return errors.Is(err, simerr.ErrTransport) || errors.Is(err, simerr.ErrInitialization)
}
