package engine

import (
	"context"
	"time"

	"github.com/vk/lockstep/internal/device"
)

// Transport is the set of requests every wire protocol can carry to an
// engine process. The same interface is implemented on the engine side by
// the actual engine, which the transport packages expose through Serve.
//
// Implementations must tolerate Shutdown being called while one other
// request is in flight.
type Transport interface {
	// Initialize sends the serialized engine configuration and waits for a
	// positive acknowledgement.
	Initialize(ctx context.Context, config []byte) error
	// RunStep advances the engine by timeStep and returns its new time.
	RunStep(ctx context.Context, timeStep time.Duration) (time.Duration, error)
	// GetDevices pulls the current value of the identified devices.
	GetDevices(ctx context.Context, ids []device.Identifier) ([]*device.Device, error)
	// SetDevices pushes device values into the engine.
	SetDevices(ctx context.Context, devices []*device.Device) error
	// Shutdown asks the engine to exit. It does not wait for an answer.
	Shutdown(ctx context.Context) error
}

// Process is the handle to the engine's subprocess, as returned by a
// launch strategy.
type Process interface {
	Stop(ctx context.Context) error
}

// Connection is what a launch produces: a ready transport and, when the
// engine runs as a subprocess, its handle.
type Connection struct {
	Transport Transport
	Process   Process
}
