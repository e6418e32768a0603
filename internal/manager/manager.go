// Package manager owns at most one simulation loop and arbitrates between
// the thread stepping it and concurrent control requests.
//
// Two locks guard the loop. The configuration lock is held while a loop is
// built or torn down, the stepping lock for exactly one tick at a time.
// Whenever both are needed the configuration lock is taken first; every
// exported method follows that order internally. Status reads take neither
// lock.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vk/lockstep/internal/config"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
	"github.com/vk/lockstep/internal/launcher"
	"github.com/vk/lockstep/internal/simerr"
	"github.com/vk/lockstep/internal/simloop"
	"go.uber.org/multierr"
)

// Notifier is told about every run state change.
type Notifier interface {
	Publish(ctx context.Context, s Status)
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver reports loop timings to o.
func WithObserver(o simloop.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithNotifier publishes status changes to n, in addition to any notifier
// already configured.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifiers = append(m.notifiers, n) }
}

// run is the installed loop and what it was built from. It is replaced
// only with both locks held.
type run struct {
	id      string
	cfg     *config.Model
	catalog *device.Catalog
	loop    *simloop.Loop
}

// Manager is the simulation coordinator.
type Manager struct {
	registry *launcher.Registry
	observer  simloop.Observer
	notifiers []Notifier

	configMu sync.Mutex
	simMu    sync.Mutex
	// initializing is set while configMu is held by InitSimulationLoop or
	// ShutdownLoop.
	initializing atomic.Bool

	current atomic.Pointer[run]
	running atomic.Bool
	stop    atomic.Bool
	timeout atomic.Int64
	lastErr atomic.Pointer[string]
}

// New returns a manager that resolves engine types through registry.
func New(registry *launcher.Registry, opts ...Option) *Manager {
	m := &Manager{registry: registry}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitSimulationLoop validates cfg, launches and initializes every engine
// and installs the resulting loop, replacing any previous one. Every
// engine type is resolved before the first engine starts; if any engine
// fails to launch or initialize, the engines already started are shut
// down and no loop is installed.
//
// The previous loop is shut down before the new engines launch, so that
// engines of both runs never compete for the same addresses or ranks. A
// failed re-initialization therefore leaves the manager empty, not with
// the previous loop; validation and launcher resolution failures happen
// earlier and keep the previous loop installed.
func (m *Manager) InitSimulationLoop(ctx context.Context, cfg *config.Model) error {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.initializing.Store(true)
	defer m.initializing.Store(false)
	m.simMu.Lock()
	defer m.simMu.Unlock()

	ctx, logger := ctxlog.With(ctx, "simulation", cfg.Simulation.Name)
	if m.running.Load() {
		return simerr.Newf(simerr.KindInvalidState, "", "init simulation", "a simulation is running")
	}
	if err := config.Validate(cfg); err != nil {
		return m.recordErr(err)
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return m.recordErr(simerr.New(simerr.KindConfiguration, "", "init simulation", err))
	}

	launchers := make([]launcher.Launcher, len(cfg.Engines))
	for i, e := range cfg.Engines {
		l, err := m.registry.Find(e.Type)
		if err != nil {
			return m.recordErr(simerr.New(simerr.KindLaunch, e.Name, "resolve launcher", err))
		}
		launchers[i] = l
	}

	if prev := m.current.Swap(nil); prev != nil {
		logger.Info("Replacing the installed simulation.", "run_id", prev.id)
		if err := prev.loop.Shutdown(ctx); err != nil {
			logger.Warn("Previous simulation did not shut down cleanly.", "error", err)
		}
	}

	members := make([]simloop.Member, 0, len(cfg.Engines))
	abort := func(err error) error {
		for _, mem := range members {
			if sErr := mem.Client.Shutdown(ctx); sErr != nil {
				err = multierr.Append(err, sErr)
			}
		}
		logger.Error("Simulation failed to initialize.", "error", err)
		return m.recordErr(err)
	}

	for i, e := range cfg.Engines {
		c := engine.NewClient(e.Name, e.Type, e.Settings)
		l := launchers[i]
		err := c.Launch(ctx, func(ctx context.Context) (engine.Connection, error) {
			return l.Launch(ctx, e, catalog)
		})
		if err != nil {
			return abort(err)
		}
		members = append(members, simloop.Member{Client: c, Timeout: e.CommandTimeout})
	}

	var opts []simloop.Option
	if m.observer != nil {
		opts = append(opts, simloop.WithObserver(m.observer))
	}
	loop, err := simloop.New(cfg.Simulation.TimeStep, simloop.WiringFromLinks(cfg.Links), members, opts...)
	if err != nil {
		return abort(err)
	}
	if err := loop.Init(ctx); err != nil {
		return abort(err)
	}

	r := &run{id: uuid.NewString(), cfg: cfg, catalog: catalog, loop: loop}
	m.current.Store(r)
	m.timeout.Store(int64(cfg.Simulation.Timeout))
	m.lastErr.Store(nil)
	logger.Info("Simulation initialized.", "run_id", r.id, "engines", len(members))
	m.publish(ctx, StateReady)
	return nil
}

// RunSimulationUntilTimeout ticks until the simulation time reaches the
// timeout, StopSimulation is called or a tick fails. The stepping lock is
// taken for one tick at a time. timedOut reports whether the timeout ended
// the run.
func (m *Manager) RunSimulationUntilTimeout(ctx context.Context) (timedOut bool, err error) {
	return m.runTicks(ctx, -1)
}

// RunSimulation advances exactly n ticks unless stopped or failed first.
func (m *Manager) RunSimulation(ctx context.Context, n int) error {
	_, err := m.runTicks(ctx, n)
	return err
}

// runTicks runs n ticks, or until timeout when n is negative.
func (m *Manager) runTicks(ctx context.Context, n int) (timedOut bool, err error) {
	if m.current.Load() == nil {
		return false, simerr.Newf(simerr.KindInvalidState, "", "run simulation", "no simulation initialized")
	}
	if !m.running.CompareAndSwap(false, true) {
		return false, simerr.Newf(simerr.KindInvalidState, "", "run simulation", "a simulation is already running")
	}
	m.stop.Store(false)
	logger := ctxlog.FromContext(ctx)
	logger.Info("Simulation started.", "ticks", n, "timeout", time.Duration(m.timeout.Load()))
	m.publish(ctx, "")
	defer func() {
		m.running.Store(false)
		logger.Info("Simulation stopped.", "timed_out", timedOut, "error", err)
		m.publish(ctx, "")
	}()

	for done := 0; n < 0 || done < n; done++ {
		var stop bool
		stop, timedOut, err = m.tick(ctx, n < 0)
		if stop || err != nil {
			return timedOut, err
		}
	}
	return false, nil
}

// tick runs one tick under the stepping lock unless the run should end.
func (m *Manager) tick(ctx context.Context, checkTimeout bool) (stop, timedOut bool, err error) {
	m.simMu.Lock()
	defer m.simMu.Unlock()

	r := m.current.Load()
	if m.stop.Load() || r == nil {
		return true, false, nil
	}
	if err := ctx.Err(); err != nil {
		return true, false, err
	}
	if budget := time.Duration(m.timeout.Load()); checkTimeout && budget > 0 && r.loop.SimTime() >= budget {
		return true, true, nil
	}
	// Cancellation is honoured at tick boundaries only.
	if err := r.loop.RunTick(context.WithoutCancel(ctx)); err != nil {
		if engine.IsFailed(err) {
			ctxlog.FromContext(ctx).Error("An engine failed; the run cannot continue.", "run_id", r.id, "error", err)
		}
		return true, false, m.recordErr(err)
	}
	if budget := time.Duration(m.timeout.Load()); checkTimeout && budget > 0 && r.loop.SimTime() >= budget {
		return true, true, nil
	}
	return false, false, nil
}

// StopSimulation asks the running simulation to stop at the next tick
// boundary. It never interrupts a tick and never blocks.
func (m *Manager) StopSimulation() {
	m.stop.Store(true)
}

// ShutdownLoop stops any run, waits for the current tick to finish, and
// shuts down every engine of the installed loop.
func (m *Manager) ShutdownLoop(ctx context.Context) error {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.initializing.Store(true)
	defer m.initializing.Store(false)
	m.StopSimulation()

	m.simMu.Lock()
	r := m.current.Swap(nil)
	m.simMu.Unlock()
	if r == nil {
		return nil
	}

	err := r.loop.Shutdown(ctx)
	ctxlog.FromContext(ctx).Info("Simulation shut down.", "run_id", r.id, "error", err)
	m.publish(ctx, StateEmpty)
	return err
}

// SetTimeout changes the simulation time budget. Zero removes it. A running
// simulation observes the change at its next tick boundary.
func (m *Manager) SetTimeout(d time.Duration) error {
	if d < 0 {
		return simerr.Newf(simerr.KindConfiguration, "", "set timeout", "timeout must not be negative, got %s", d)
	}
	m.timeout.Store(int64(d))
	return nil
}

// IsRunning reports whether a run is in progress.
func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

// IsSimInitializing reports whether a loop is being built or torn down. It
// never blocks, and concurrent queries never see each other as a
// configuration change.
func (m *Manager) IsSimInitializing() bool {
	return m.initializing.Load()
}

// Status returns a snapshot without taking either lock.
func (m *Manager) Status() Status {
	s := Status{State: StateEmpty, Timeout: time.Duration(m.timeout.Load())}
	if p := m.lastErr.Load(); p != nil {
		s.LastError = *p
	}
	r := m.current.Load()
	switch {
	case m.IsSimInitializing() && !m.running.Load():
		s.State = StateInitializing
	case r == nil:
	case m.running.Load():
		s.State = StateRunning
	default:
		s.State = StateReady
	}
	if r == nil {
		return s
	}

	s.RunID = r.id
	s.Simulation = r.cfg.Simulation.Name
	s.SimTime = r.loop.SimTime()
	s.Ticks = r.loop.Ticks()
	s.TimeStep = r.loop.TimeStep()
	for _, c := range r.loop.Clients() {
		es := EngineStatus{Name: c.Name(), Type: c.Type(), State: c.State().String(), EngineTime: c.EngineTime()}
		if err := c.Err(); err != nil {
			es.Error = err.Error()
		}
		s.Engines = append(s.Engines, es)
	}
	return s
}

// Catalog returns the device types of the installed simulation.
func (m *Manager) Catalog() (*device.Catalog, error) {
	r := m.current.Load()
	if r == nil {
		return nil, simerr.Newf(simerr.KindInvalidState, "", "catalog", "no simulation initialized")
	}
	return r.catalog, nil
}

// PushDevices hands devices to the named engine between ticks.
func (m *Manager) PushDevices(ctx context.Context, engineName string, devices []*device.Device) error {
	m.simMu.Lock()
	defer m.simMu.Unlock()
	c, err := m.client(engineName)
	if err != nil {
		return err
	}
	return c.HandleInputDevices(ctx, devices)
}

// PullDevices reads devices from their owning engines between ticks. The
// result is in request order.
func (m *Manager) PullDevices(ctx context.Context, ids []device.Identifier) ([]*device.Device, error) {
	m.simMu.Lock()
	defer m.simMu.Unlock()

	var engines []string
	byEngine := make(map[string][]device.Identifier)
	for _, id := range ids {
		if _, ok := byEngine[id.EngineName]; !ok {
			engines = append(engines, id.EngineName)
		}
		byEngine[id.EngineName] = append(byEngine[id.EngineName], id)
	}

	values := make(map[device.Identifier]*device.Device, len(ids))
	for _, name := range engines {
		c, err := m.client(name)
		if err != nil {
			return nil, err
		}
		devices, err := c.RequestOutputDevices(ctx, byEngine[name])
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			values[d.ID()] = d
		}
	}
	out := make([]*device.Device, len(ids))
	for i, id := range ids {
		d, ok := values[id]
		if !ok {
			return nil, simerr.Newf(simerr.KindNotFound, id.EngineName, "pull devices", "engine did not return %s", id)
		}
		out[i] = d
	}
	return out, nil
}

// client must be called with simMu held.
func (m *Manager) client(name string) (*engine.Client, error) {
	r := m.current.Load()
	if r == nil {
		return nil, simerr.Newf(simerr.KindInvalidState, name, "find engine", "no simulation initialized")
	}
	c, ok := r.loop.Client(name)
	if !ok {
		return nil, simerr.Newf(simerr.KindNotFound, name, "find engine", "no such engine in %q", r.cfg.Simulation.Name)
	}
	return c, nil
}

func (m *Manager) recordErr(err error) error {
	msg := err.Error()
	m.lastErr.Store(&msg)
	return err
}

// publish notifies the current status. state overrides the derived state
// for callers holding the configuration lock.
func (m *Manager) publish(ctx context.Context, state string) {
	if len(m.notifiers) == 0 {
		return
	}
	s := m.Status()
	if state != "" {
		s.State = state
	}
	for _, n := range m.notifiers {
		n.Publish(ctx, s)
	}
}
