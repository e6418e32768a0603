// Package simloop advances a fixed set of engines in lockstep.
//
// Every tick runs four phases: start a step on every engine, wait for every
// step, move linked devices from producers to consumers, and publish the
// new simulation time. Device exchange never starts before every wait has
// succeeded, so no engine observes another engine's output of the tick it
// is still stepping. A failed tick is returned to the caller and never
// retried.
package simloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
	"github.com/vk/lockstep/internal/simerr"
	"go.uber.org/multierr"
)

// Member is one engine of the loop.
type Member struct {
	Client *engine.Client
	// Timeout bounds each step wait; zero waits indefinitely.
	Timeout time.Duration
}

// Observer receives timing of every engine step and tick.
type Observer interface {
	EngineStepped(engine string, wait time.Duration, err error)
	TickCompleted(d time.Duration, err error)
}

// Loop owns its clients for its whole lifetime.
type Loop struct {
	timeStep time.Duration
	wiring   Wiring
	members  []Member
	byName   map[string]*engine.Client
	observer Observer

	ticks   atomic.Uint64
	simTime atomic.Int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithObserver reports step and tick timings to o.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observer = o }
}

// New returns a loop stepping members by timeStep. Member names must be
// unique.
func New(timeStep time.Duration, wiring Wiring, members []Member, opts ...Option) (*Loop, error) {
	if timeStep <= 0 {
		return nil, simerr.Newf(simerr.KindConfiguration, "", "new loop", "timestep must be positive, got %s", timeStep)
	}
	if wiring == nil {
		wiring = StaticWiring(nil)
	}
	l := &Loop{
		timeStep: timeStep,
		wiring:   wiring,
		members:  members,
		byName:   make(map[string]*engine.Client, len(members)),
	}
	for _, m := range members {
		name := m.Client.Name()
		if _, dup := l.byName[name]; dup {
			return nil, simerr.Newf(simerr.KindConfiguration, name, "new loop", "engine listed twice")
		}
		l.byName[name] = m.Client
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// TimeStep returns the shared step length.
func (l *Loop) TimeStep() time.Duration { return l.timeStep }

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() uint64 { return l.ticks.Load() }

// SimTime is the minimum engine time over all members: the latest instant
// every engine has reached.
func (l *Loop) SimTime() time.Duration { return time.Duration(l.simTime.Load()) }

// Clients returns the member clients in declaration order.
func (l *Loop) Clients() []*engine.Client {
	out := make([]*engine.Client, len(l.members))
	for i, m := range l.members {
		out[i] = m.Client
	}
	return out
}

// Client returns the member named name.
func (l *Loop) Client(name string) (*engine.Client, bool) {
	c, ok := l.byName[name]
	return c, ok
}

// Init runs the initialization handshake of every member concurrently and
// returns all failures combined.
func (l *Loop) Init(ctx context.Context) error {
	errs := make([]error, len(l.members))
	var wg sync.WaitGroup
	for i, m := range l.members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Client.Initialize(ctx)
		}()
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// RunTick advances every engine by one timestep and exchanges devices.
func (l *Loop) RunTick(ctx context.Context) (err error) {
	tick := l.ticks.Load() + 1
	logger := ctxlog.FromContext(ctx).With("tick", tick)
	start := time.Now()
	defer func() {
		if l.observer != nil {
			l.observer.TickCompleted(time.Since(start), err)
		}
		if err != nil {
			logger.Error("Tick failed.", "error", err)
		}
	}()

	// Phase 1: start every step without waiting.
	started := make([]Member, 0, len(l.members))
	for _, m := range l.members {
		if stepErr := m.Client.RunLoopStep(ctx, l.timeStep); stepErr != nil {
			err = multierr.Append(err, stepErr)
			continue
		}
		started = append(started, m)
	}

	// Phase 2: wait for every started step, even when another failed to
	// start, so no step is left unobserved.
	err = multierr.Append(err, l.waitAll(ctx, started))
	if err != nil {
		return fmt.Errorf("tick %d: %w", tick, err)
	}

	// Phase 3: exchange behind the barrier.
	if err = l.exchange(ctx, tick); err != nil {
		return fmt.Errorf("tick %d: %w", tick, err)
	}

	// Phase 4: publish the clock.
	l.ticks.Store(tick)
	l.simTime.Store(int64(l.minEngineTime()))
	logger.Debug("Tick completed.", "sim_time", l.SimTime())
	return nil
}

func (l *Loop) waitAll(ctx context.Context, members []Member) error {
	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			waitStart := time.Now()
			errs[i] = m.Client.WaitForStepCompletion(ctx, m.Timeout)
			if l.observer != nil {
				l.observer.EngineStepped(m.Client.Name(), time.Since(waitStart), errs[i])
			}
		}()
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// exchange pulls every bound device once from its producer and pushes one
// batch to each consumer.
func (l *Loop) exchange(ctx context.Context, tick uint64) error {
	bindings := l.wiring.Bindings(tick)
	if len(bindings) == 0 {
		return nil
	}

	var producers []string
	wanted := make(map[string][]device.Identifier)
	seen := make(map[device.Identifier]bool)
	for _, b := range bindings {
		if seen[b.Source] {
			continue
		}
		seen[b.Source] = true
		p := b.Source.EngineName
		if _, ok := wanted[p]; !ok {
			producers = append(producers, p)
		}
		wanted[p] = append(wanted[p], b.Source)
	}

	values := make(map[device.Identifier]*device.Device)
	for _, p := range producers {
		c, ok := l.byName[p]
		if !ok {
			return simerr.Newf(simerr.KindNotFound, p, "exchange", "producing engine is not part of the loop")
		}
		devices, err := c.RequestOutputDevices(ctx, wanted[p])
		if err != nil {
			return err
		}
		for _, d := range devices {
			values[d.ID()] = d
		}
	}

	var consumers []string
	batches := make(map[string][]*device.Device)
	for _, b := range bindings {
		d, ok := values[b.Source]
		if !ok {
			return simerr.Newf(simerr.KindNotFound, b.Source.EngineName, "exchange", "engine did not return %s", b.Source)
		}
		for _, to := range b.Targets {
			if _, ok := batches[to]; !ok {
				consumers = append(consumers, to)
			}
			batches[to] = append(batches[to], d)
		}
	}
	for _, to := range consumers {
		c, ok := l.byName[to]
		if !ok {
			return simerr.Newf(simerr.KindNotFound, to, "exchange", "consuming engine is not part of the loop")
		}
		if err := c.HandleInputDevices(ctx, batches[to]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) minEngineTime() time.Duration {
	if len(l.members) == 0 {
		return 0
	}
	low := l.members[0].Client.EngineTime()
	for _, m := range l.members[1:] {
		low = min(low, m.Client.EngineTime())
	}
	return low
}

// Shutdown shuts down every member concurrently and returns all failures
// combined.
func (l *Loop) Shutdown(ctx context.Context) error {
	errs := make([]error, len(l.members))
	var wg sync.WaitGroup
	for i, m := range l.members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Client.Shutdown(ctx)
		}()
	}
	wg.Wait()
	return multierr.Combine(errs...)
}
