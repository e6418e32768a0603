package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vk/lockstep/internal/device"
)

// ExecutionRecord holds the wall-clock span of one engine step.
type ExecutionRecord struct {
	Start time.Time
	End   time.Time
}

// FakeEngine is an in-memory engine implementing the engine transport
// contract. It records every step and every device it receives, and its
// hooks let tests inject latency, failures and device updates.
type FakeEngine struct {
	Name    string
	Catalog *device.Catalog

	// InitErr and StepErr, when set, fail the corresponding request.
	InitErr error
	StepErr error
	// StepDelay is slept inside every step.
	StepDelay time.Duration
	// Gate, when non-nil, blocks every step until a value is received.
	Gate chan struct{}
	// TimeScale multiplies the requested timestep; 0 means 1.
	TimeScale float64
	// OnStep runs inside the step after the clock advances. It may call
	// Publish to update the engine's output devices.
	OnStep func(f *FakeEngine, step int, now time.Duration)

	mu         sync.Mutex
	now        time.Duration
	config     []byte
	steps      int
	shutdowns  int
	devices    map[device.Identifier]*device.Device
	received   [][]*device.Device
	executions []ExecutionRecord
	inStep     bool
}

// NewFakeEngine returns a fake engine owning no devices.
func NewFakeEngine(name string, catalog *device.Catalog) *FakeEngine {
	return &FakeEngine{Name: name, Catalog: catalog, devices: make(map[device.Identifier]*device.Device)}
}

// Publish sets the current value of one of the engine's output devices.
func (f *FakeEngine) Publish(d *device.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.ID()] = d.Clone()
}

// Initialize implements the transport contract.
func (f *FakeEngine) Initialize(_ context.Context, config []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InitErr != nil {
		return f.InitErr
	}
	f.config = append([]byte(nil), config...)
	return nil
}

// RunStep implements the transport contract.
func (f *FakeEngine) RunStep(ctx context.Context, timeStep time.Duration) (time.Duration, error) {
	start := time.Now()
	f.mu.Lock()
	if f.inStep {
		f.mu.Unlock()
		return 0, errors.New("fake engine: overlapping steps")
	}
	f.inStep = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inStep = false
		f.executions = append(f.executions, ExecutionRecord{Start: start, End: time.Now()})
		f.mu.Unlock()
	}()

	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.StepDelay > 0 {
		time.Sleep(f.StepDelay)
	}
	if f.StepErr != nil {
		return 0, f.StepErr
	}

	scale := f.TimeScale
	if scale == 0 {
		scale = 1
	}
	f.mu.Lock()
	f.steps++
	f.now += time.Duration(float64(timeStep) * scale)
	step, now := f.steps, f.now
	f.mu.Unlock()

	if f.OnStep != nil {
		f.OnStep(f, step, now)
	}
	return now, nil
}

// GetDevices implements the transport contract.
func (f *FakeEngine) GetDevices(_ context.Context, ids []device.Identifier) ([]*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*device.Device, 0, len(ids))
	for _, id := range ids {
		d, ok := f.devices[id]
		if !ok {
			return nil, fmt.Errorf("fake engine %s: unknown device %s", f.Name, id)
		}
		out = append(out, d.Clone())
	}
	return out, nil
}

// SetDevices implements the transport contract.
func (f *FakeEngine) SetDevices(_ context.Context, devices []*device.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]*device.Device, len(devices))
	for i, d := range devices {
		batch[i] = d.Clone()
	}
	f.received = append(f.received, batch)
	return nil
}

// Shutdown implements the transport contract.
func (f *FakeEngine) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

// Config returns the configuration received during initialization.
func (f *FakeEngine) Config() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// Steps returns the number of completed steps.
func (f *FakeEngine) Steps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.steps
}

// Now returns the engine's clock.
func (f *FakeEngine) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Shutdowns returns how many shutdown requests arrived.
func (f *FakeEngine) Shutdowns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// Received returns every pushed batch in arrival order.
func (f *FakeEngine) Received() [][]*device.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]*device.Device(nil), f.received...)
}

// Executions returns the wall-clock span of every step.
func (f *FakeEngine) Executions() []ExecutionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecutionRecord(nil), f.executions...)
}
