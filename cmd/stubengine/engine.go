package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
)

var _ engine.Transport = (*stubEngine)(nil)

// stubEngine advances a clock and publishes one status device whose code
// counts the completed steps. Pushed devices are remembered and can be
// read back.
type stubEngine struct {
	name    string
	catalog *device.Catalog
	logger  *slog.Logger

	mu        sync.Mutex
	now       time.Duration
	counter   device.Identifier
	increment int64
	steps     int64
	devices   map[device.Identifier]*device.Device
	shutdown  chan struct{}
	closeOnce sync.Once
}

func newStubEngine(ctx context.Context, name string, catalog *device.Catalog) *stubEngine {
	return &stubEngine{
		name:      name,
		catalog:   catalog,
		logger:    ctxlog.FromContext(ctx).With("engine", name),
		counter:   device.NewIdentifier("counter", device.TypeStatus, name),
		increment: 1,
		devices:   make(map[device.Identifier]*device.Device),
		shutdown:  make(chan struct{}),
	}
}

// Initialize reads the optional "counter" and "increment" settings.
func (e *stubEngine) Initialize(_ context.Context, config []byte) error {
	if len(config) > 0 && !gjson.ValidBytes(config) {
		return fmt.Errorf("engine %s: settings are not valid JSON", e.name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if name := gjson.GetBytes(config, "counter"); name.Exists() {
		e.counter = device.NewIdentifier(name.String(), device.TypeStatus, e.name)
	}
	if inc := gjson.GetBytes(config, "increment"); inc.Exists() {
		e.increment = inc.Int()
	}
	if err := e.publishLocked(); err != nil {
		return err
	}
	e.logger.Info("Engine initialized.", "counter", e.counter.Name, "increment", e.increment)
	return nil
}

func (e *stubEngine) RunStep(_ context.Context, timeStep time.Duration) (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now += timeStep
	e.steps++
	if err := e.publishLocked(); err != nil {
		return 0, err
	}
	e.logger.Debug("Step complete.", "engine_time", e.now)
	return e.now, nil
}

// publishLocked refreshes the counter device. mu must be held.
func (e *stubEngine) publishLocked() error {
	d, err := e.catalog.NewDevice(e.counter)
	if err != nil {
		return err
	}
	d.MustSet("code", device.Int(e.steps*e.increment)).
		MustSet("message", device.String(fmt.Sprintf("%s at %s", e.name, e.now))).
		MustSet("payload", device.Bytes(nil))
	e.devices[e.counter] = d
	return nil
}

func (e *stubEngine) GetDevices(_ context.Context, ids []device.Identifier) ([]*device.Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*device.Device, 0, len(ids))
	for _, id := range ids {
		d, ok := e.devices[id]
		if !ok {
			return nil, fmt.Errorf("engine %s: unknown device %s", e.name, id)
		}
		out = append(out, d.Clone())
	}
	return out, nil
}

func (e *stubEngine) SetDevices(_ context.Context, devices []*device.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range devices {
		e.devices[d.ID()] = d.Clone()
	}
	return nil
}

func (e *stubEngine) Shutdown(context.Context) error {
	e.closeOnce.Do(func() { close(e.shutdown) })
	e.logger.Info("Engine shutting down.")
	return nil
}

// Done is closed once a shutdown request arrived.
func (e *stubEngine) Done() <-chan struct{} { return e.shutdown }
