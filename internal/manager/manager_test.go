package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/lockstep/internal/config"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
	"github.com/vk/lockstep/internal/launcher"
	"github.com/vk/lockstep/internal/simerr"
	"github.com/vk/lockstep/internal/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLauncher hands out in-memory engines and counts launches and stops.
type fakeLauncher struct {
	// block, when non-nil, holds every launch until closed.
	block    chan struct{}
	fail     map[string]error
	onLaunch func(*testutil.FakeEngine)

	mu       sync.Mutex
	engines  map[string]*testutil.FakeEngine
	launched []string
	stopped  int
}

func (*fakeLauncher) EngineType() string { return "fake" }

func (l *fakeLauncher) Launch(_ context.Context, cfg *config.Engine, catalog *device.Catalog) (engine.Connection, error) {
	if l.block != nil {
		<-l.block
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[cfg.Name]; err != nil {
		return engine.Connection{}, err
	}
	fake := testutil.NewFakeEngine(cfg.Name, catalog)
	if l.onLaunch != nil {
		l.onLaunch(fake)
	}
	if l.engines == nil {
		l.engines = make(map[string]*testutil.FakeEngine)
	}
	l.engines[cfg.Name] = fake
	l.launched = append(l.launched, cfg.Name)
	return engine.Connection{Transport: fake, Process: stopCounter{l}}, nil
}

func (l *fakeLauncher) engine(name string) *testutil.FakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engines[name]
}

func (l *fakeLauncher) counts() (launched, stopped int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched), l.stopped
}

type stopCounter struct{ l *fakeLauncher }

func (s stopCounter) Stop(context.Context) error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	s.l.stopped++
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	states []string
}

func (r *recordingNotifier) Publish(_ context.Context, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.State)
}

func (r *recordingNotifier) States() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func model(timeStep, timeout time.Duration, engines ...string) *config.Model {
	m := &config.Model{Simulation: config.Simulation{Name: "demo", TimeStep: timeStep, Timeout: timeout}}
	for _, name := range engines {
		m.Engines = append(m.Engines, &config.Engine{Name: name, Type: "fake", Settings: []byte(`{}`)})
	}
	return m
}

func newManager(t *testing.T, l *fakeLauncher, opts ...Option) (*Manager, context.Context) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	r := launcher.New()
	require.NoError(t, r.Register(ctx, l))
	m := New(r, opts...)
	t.Cleanup(func() { _ = m.ShutdownLoop(context.Background()) })
	return m, ctx
}

func counter(catalog *device.Catalog, engineName string, value int) *device.Device {
	d, err := catalog.NewDevice(device.NewIdentifier("counter", device.TypeStatus, engineName))
	if err != nil {
		panic(err)
	}
	return d.MustSet("code", device.Int(int64(value))).
		MustSet("message", device.String("tick")).
		MustSet("payload", device.Bytes(nil))
}

func TestManager_RunUntilTimeout(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	notes := &recordingNotifier{}
	l := &fakeLauncher{}
	m, ctx := newManager(t, l, WithNotifier(notes))
	require.NoError(t, m.InitSimulationLoop(ctx, model(30*time.Millisecond, 100*time.Millisecond, "physics", "brain")))

	// --- Act ---
	timedOut, err := m.RunSimulationUntilTimeout(ctx)

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, timedOut)
	s := m.Status()
	assert.Equal(t, StateReady, s.State)
	assert.Equal(t, uint64(4), s.Ticks)
	assert.GreaterOrEqual(t, s.SimTime, 100*time.Millisecond)
	assert.Less(t, s.SimTime, 100*time.Millisecond+30*time.Millisecond, "the run ends within one timestep of the budget")
	assert.NotEmpty(t, s.RunID)
	require.Len(t, s.Engines, 2)
	assert.Equal(t, engine.Idle.String(), s.Engines[0].State)

	require.NoError(t, m.ShutdownLoop(ctx))
	assert.Equal(t, StateEmpty, m.Status().State)
	_, stopped := l.counts()
	assert.Equal(t, 2, stopped)
	assert.Equal(t, 1, l.engine("physics").Shutdowns())
	assert.Equal(t, []string{StateReady, StateRunning, StateReady, StateEmpty}, notes.States())
}

func TestManager_RunSimulationExchangesDevices(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	l := &fakeLauncher{onLaunch: func(f *testutil.FakeEngine) {
		if f.Name != "physics" {
			return
		}
		f.OnStep = func(f *testutil.FakeEngine, step int, _ time.Duration) {
			f.Publish(counter(f.Catalog, "physics", step))
		}
	}}
	m, ctx := newManager(t, l)
	cfg := model(10*time.Millisecond, 0, "physics", "brain")
	cfg.Links = []*config.Link{{Device: "counter", Type: device.TypeStatus, From: "physics", To: []string{"brain"}}}
	require.NoError(t, m.InitSimulationLoop(ctx, cfg))

	// --- Act ---
	require.NoError(t, m.RunSimulation(ctx, 3))

	// --- Assert ---
	assert.Equal(t, uint64(3), m.Status().Ticks)
	received := l.engine("brain").Received()
	require.Len(t, received, 3)
	got, _ := received[2][0].Get("code")
	assert.Equal(t, int64(3), got.AsInt())

	pulled, err := m.PullDevices(ctx, []device.Identifier{device.NewIdentifier("counter", device.TypeStatus, "physics")})
	require.NoError(t, err)
	require.Len(t, pulled, 1)

	require.NoError(t, m.PushDevices(ctx, "brain", pulled))
	assert.Len(t, l.engine("brain").Received(), 4)

	_, err = m.PullDevices(ctx, []device.Identifier{device.NewIdentifier("counter", device.TypeStatus, "ghost")})
	require.ErrorIs(t, err, simerr.ErrNotFound)
}

func TestManager_StatusQueriesDoNotStarveDuringRun(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	l := &fakeLauncher{onLaunch: func(f *testutil.FakeEngine) {
		f.StepDelay = 2 * time.Millisecond
		f.Publish(counter(f.Catalog, f.Name, 0))
	}}
	m, ctx := newManager(t, l)
	require.NoError(t, m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics")))

	type result struct {
		timedOut bool
		err      error
	}
	done := make(chan result, 1)
	go func() {
		timedOut, err := m.RunSimulationUntilTimeout(ctx)
		done <- result{timedOut, err}
	}()
	require.Eventually(t, m.IsRunning, time.Second, time.Millisecond)

	// --- Act ---
	var wg sync.WaitGroup
	errs := make(chan error, 100)
	id := device.NewIdentifier("counter", device.TypeStatus, "physics")
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Status()
			_ = m.IsRunning()
			_ = m.IsSimInitializing()
			qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if _, err := m.PullDevices(qctx, []device.Identifier{id}); err != nil {
				errs <- err
			}
		}()
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	// --- Assert ---
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("queries starved while the simulation was running")
	}
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.True(t, m.IsRunning(), "queries are answered while the run continues")

	m.StopSimulation()
	res := <-done
	require.NoError(t, res.err)
	assert.False(t, res.timedOut)
	assert.False(t, m.IsRunning())
	assert.Positive(t, m.Status().Ticks)
}

func TestManager_FailFastLaunchStartsNothing(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	l := &fakeLauncher{}
	m, ctx := newManager(t, l)
	cfg := model(10*time.Millisecond, 0, "physics", "brain")
	cfg.Engines[1].Type = "nest"

	// --- Act ---
	err := m.InitSimulationLoop(ctx, cfg)

	// --- Assert ---
	require.ErrorIs(t, err, simerr.ErrLaunch)
	require.ErrorIs(t, err, simerr.ErrNotFound)
	launched, _ := l.counts()
	assert.Zero(t, launched)
	s := m.Status()
	assert.Equal(t, StateEmpty, s.State)
	assert.Contains(t, s.LastError, "nest")
}

func TestManager_LaunchFailureShutsDownStartedEngines(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{fail: map[string]error{"brain": errors.New("exec: not found")}}
	m, ctx := newManager(t, l)

	err := m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics", "brain", "muscles"))

	require.ErrorIs(t, err, simerr.ErrLaunch)
	launched, stopped := l.counts()
	assert.Equal(t, 1, launched, "nothing is launched after the first failure")
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 1, l.engine("physics").Shutdowns())
	assert.Equal(t, StateEmpty, m.Status().State)
}

func TestManager_InitializationFailureShutsDownEveryEngine(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{onLaunch: func(f *testutil.FakeEngine) {
		if f.Name == "brain" {
			f.InitErr = errors.New("handshake rejected")
		}
	}}
	m, ctx := newManager(t, l)

	err := m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics", "brain"))

	require.ErrorIs(t, err, simerr.ErrInitialization)
	_, stopped := l.counts()
	assert.Equal(t, 2, stopped)
	_, err = m.RunSimulationUntilTimeout(ctx)
	require.ErrorIs(t, err, simerr.ErrInvalidState)
}

func TestManager_ConfigurationErrorLaunchesNothing(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{}
	m, ctx := newManager(t, l)

	err := m.InitSimulationLoop(ctx, model(0, -time.Second, "physics", "physics"))

	require.ErrorIs(t, err, simerr.ErrConfiguration)
	launched, _ := l.counts()
	assert.Zero(t, launched)
}

func TestManager_IsSimInitializingDuringInit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	l := &fakeLauncher{block: make(chan struct{})}
	m, ctx := newManager(t, l)
	initDone := make(chan error, 1)

	// --- Act ---
	go func() { initDone <- m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics")) }()

	// --- Assert ---
	require.Eventually(t, m.IsSimInitializing, time.Second, time.Millisecond)
	assert.Equal(t, StateInitializing, m.Status().State)
	assert.False(t, m.IsRunning())

	close(l.block)
	require.NoError(t, <-initDone)
	assert.False(t, m.IsSimInitializing())
	assert.Equal(t, StateReady, m.Status().State)
}

func TestManager_ConcurrentQueriesNeverReportInitializing(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	m, ctx := newManager(t, &fakeLauncher{})
	require.NoError(t, m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics")))

	// --- Act ---
	var seen atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if m.IsSimInitializing() {
					seen.Add(1)
				}
				if m.Status().State != StateReady {
					seen.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// --- Assert ---
	assert.Zero(t, seen.Load())
}

func TestManager_FailedReinitializationLeavesNoLoop(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	l := &fakeLauncher{}
	m, ctx := newManager(t, l)
	require.NoError(t, m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics", "brain")))

	// --- Act & Assert ---
	// Rejected before anything launches: the installed loop survives.
	err := m.InitSimulationLoop(ctx, model(0, 0, "physics"))
	require.ErrorIs(t, err, simerr.ErrConfiguration)
	assert.Equal(t, StateReady, m.Status().State)

	l.mu.Lock()
	l.fail = map[string]error{"brain": errors.New("address in use")}
	l.mu.Unlock()

	err = m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics", "brain"))
	require.ErrorIs(t, err, simerr.ErrLaunch)
	assert.Equal(t, StateEmpty, m.Status().State)
	launched, stopped := l.counts()
	assert.Equal(t, 3, launched, "two engines of the first run, physics of the second")
	assert.Equal(t, 3, stopped, "the previous loop and the partial new one are stopped")
	_, err = m.Catalog()
	assert.ErrorIs(t, err, simerr.ErrInvalidState)
}

func TestManager_RejectsConcurrentRunsAndInit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	l := &fakeLauncher{onLaunch: func(f *testutil.FakeEngine) { f.StepDelay = time.Millisecond }}
	m, ctx := newManager(t, l)

	_, err := m.RunSimulationUntilTimeout(ctx)
	require.ErrorIs(t, err, simerr.ErrInvalidState, "nothing to run yet")

	require.NoError(t, m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics")))
	done := make(chan error, 1)
	go func() {
		_, err := m.RunSimulationUntilTimeout(ctx)
		done <- err
	}()
	require.Eventually(t, m.IsRunning, time.Second, time.Millisecond)

	// --- Act ---
	_, second := m.RunSimulationUntilTimeout(ctx)
	reinit := m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics"))

	// --- Assert ---
	require.ErrorIs(t, second, simerr.ErrInvalidState)
	require.ErrorIs(t, reinit, simerr.ErrInvalidState)

	m.StopSimulation()
	require.NoError(t, <-done)
}

func TestManager_SetTimeoutWhileRunning(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{onLaunch: func(f *testutil.FakeEngine) { f.StepDelay = time.Millisecond }}
	m, ctx := newManager(t, l)
	require.NoError(t, m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics")))
	require.ErrorIs(t, m.SetTimeout(-time.Second), simerr.ErrConfiguration)

	done := make(chan bool, 1)
	go func() {
		timedOut, err := m.RunSimulationUntilTimeout(ctx)
		assert.NoError(t, err)
		done <- timedOut
	}()
	require.Eventually(t, func() bool { return m.Status().Ticks > 2 }, time.Second, time.Millisecond)

	require.NoError(t, m.SetTimeout(50*time.Millisecond))

	select {
	case timedOut := <-done:
		assert.True(t, timedOut)
	case <-time.After(5 * time.Second):
		m.StopSimulation()
		t.Fatal("run did not observe the new timeout")
	}
	assert.Equal(t, 50*time.Millisecond, m.Status().Timeout)
}

func TestManager_ShutdownStopsRunningSimulation(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	l := &fakeLauncher{onLaunch: func(f *testutil.FakeEngine) { f.StepDelay = time.Millisecond }}
	m, ctx := newManager(t, l)
	require.NoError(t, m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics", "brain")))
	done := make(chan error, 1)
	go func() {
		_, err := m.RunSimulationUntilTimeout(ctx)
		done <- err
	}()
	require.Eventually(t, m.IsRunning, time.Second, time.Millisecond)

	// --- Act ---
	require.NoError(t, m.ShutdownLoop(ctx))

	// --- Assert ---
	require.NoError(t, <-done)
	assert.False(t, m.IsRunning())
	_, stopped := l.counts()
	assert.Equal(t, 2, stopped)
	require.NoError(t, m.ShutdownLoop(ctx), "second shutdown is a no-op")

	_, err := m.PullDevices(ctx, []device.Identifier{device.NewIdentifier("counter", device.TypeStatus, "physics")})
	require.ErrorIs(t, err, simerr.ErrInvalidState)
}

func TestManager_StepFailureEndsRun(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{onLaunch: func(f *testutil.FakeEngine) {
		if f.Name == "brain" {
			f.OnStep = func(f *testutil.FakeEngine, step int, _ time.Duration) {
				if step == 2 {
					f.StepErr = errors.New("segfault")
				}
			}
		}
	}}
	m, ctx := newManager(t, l)
	require.NoError(t, m.InitSimulationLoop(ctx, model(10*time.Millisecond, 0, "physics", "brain")))

	timedOut, err := m.RunSimulationUntilTimeout(ctx)

	require.ErrorIs(t, err, simerr.ErrTransport)
	assert.False(t, timedOut)
	s := m.Status()
	assert.Equal(t, uint64(2), s.Ticks)
	assert.Contains(t, s.LastError, "segfault")
	assert.Equal(t, engine.Failed.String(), s.Engines[1].State)
}

func TestManager_Catalog(t *testing.T) {
	t.Parallel()

	m, ctx := newManager(t, &fakeLauncher{})
	_, err := m.Catalog()
	require.ErrorIs(t, err, simerr.ErrInvalidState)

	cfg := model(10*time.Millisecond, 0, "physics")
	cfg.DeviceTypes = []*config.DeviceType{{Name: "sensor", Properties: []config.Property{{Name: "count", Kind: "int"}}}}
	require.NoError(t, m.InitSimulationLoop(ctx, cfg))

	cat, err := m.Catalog()
	require.NoError(t, err)
	_, ok := cat.Lookup("sensor")
	assert.True(t, ok)
}
