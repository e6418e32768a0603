package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/vk/lockstep/internal/controlplane"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/manager"
	"github.com/vk/lockstep/internal/notify"
	"go.uber.org/multierr"
)

// Run initializes the configured simulation, runs it for the configured
// number of steps or until its timeout, and shuts it down. Cancelling ctx
// stops the run at the next tick boundary. The returned status is the one
// observed when the run ended.
func (a *App) Run(ctx context.Context) (manager.Status, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	cleanup, err := a.start(ctx)
	if err != nil {
		return manager.Status{}, err
	}
	defer cleanup()

	bg := context.WithoutCancel(ctx)
	if err := a.manager.InitSimulationLoop(bg, a.model); err != nil {
		return a.manager.Status(), err
	}
	stop := context.AfterFunc(ctx, a.manager.StopSimulation)
	defer stop()

	a.logger.Info("🚀 Starting simulation...", "simulation", a.model.Simulation.Name, "steps", a.config.Steps)
	var runErr error
	if a.config.Steps > 0 {
		runErr = a.manager.RunSimulation(ctx, a.config.Steps)
	} else {
		var timedOut bool
		timedOut, runErr = a.manager.RunSimulationUntilTimeout(ctx)
		a.logger.Debug("Run ended.", "timed_out", timedOut)
	}
	if errors.Is(runErr, context.Canceled) {
		a.logger.Warn("Simulation interrupted.")
		runErr = nil
	}

	final := a.manager.Status()
	err = multierr.Combine(runErr, a.manager.ShutdownLoop(bg))
	a.logger.Info("🏁 Simulation finished.", "sim_time", final.SimTime, "ticks", final.Ticks)
	return final, err
}

// Serve initializes the configured simulation and hands it to a
// control-plane server until the supervisor shuts it down or ctx ends. With
// ControlListen "-" the control-plane runs on in and out.
func (a *App) Serve(ctx context.Context, in io.ReadCloser, out io.Writer) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	cleanup, err := a.start(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	bg := context.WithoutCancel(ctx)
	if err := a.manager.InitSimulationLoop(bg, a.model); err != nil {
		return err
	}

	srv := controlplane.NewServer(a.manager,
		controlplane.WithWorkers(a.config.Workers),
		controlplane.WithRequestObserver(a.metrics),
	)
	if a.config.ControlListen == "-" || a.config.ControlListen == "" {
		a.logger.Info("Control-plane serving on standard streams.")
		err = srv.Serve(ctx, stdio{in, out})
	} else {
		var lis net.Listener
		lis, err = net.Listen("tcp", a.config.ControlListen)
		if err != nil {
			err = fmt.Errorf("control-plane listen: %w", err)
		} else {
			a.logger.Info("Control-plane listening.", "address", lis.Addr().String())
			err = srv.ServeListener(ctx, lis)
		}
	}
	return multierr.Combine(err, a.manager.ShutdownLoop(bg))
}

// start brings up the health check server and the status publisher. The
// returned function tears down what was started.
func (a *App) start(ctx context.Context) (func(), error) {
	if a.config.HealthcheckPort > 0 {
		if err := a.startHealthcheckServer(a.config.HealthcheckPort); err != nil {
			return nil, err
		}
	}
	if url := a.model.NotifyURL; url != "" {
		p, err := notify.Dial(ctx, url, "")
		if err != nil {
			a.logger.Warn("Status notifications disabled.", "notify_url", url, "error", err)
		} else {
			a.relay.target.Store(p)
		}
	}
	return func() {
		if p := a.relay.target.Swap(nil); p != nil {
			_ = p.Close()
		}
		_ = a.closeHealthcheckServer(context.WithoutCancel(ctx))
		if err := a.registry.Close(); err != nil {
			a.logger.Warn("Launcher cleanup failed.", "error", err)
		}
	}, nil
}

// stdio joins standard input and output into one stream.
type stdio struct {
	in  io.ReadCloser
	out io.Writer
}

func (s stdio) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s stdio) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s stdio) Close() error                { return s.in.Close() }
