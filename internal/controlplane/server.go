package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/manager"
	"github.com/vk/lockstep/internal/simerr"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the request pool size when none is configured.
const DefaultWorkers = 4

// Controller is what the server drives. *manager.Manager implements it.
type Controller interface {
	Status() manager.Status
	IsRunning() bool
	IsSimInitializing() bool
	RunSimulationUntilTimeout(ctx context.Context) (bool, error)
	StopSimulation()
	SetTimeout(d time.Duration) error
	Catalog() (*device.Catalog, error)
	PullDevices(ctx context.Context, ids []device.Identifier) ([]*device.Device, error)
	PushDevices(ctx context.Context, engine string, devices []*device.Device) error
	ShutdownLoop(ctx context.Context) error
}

// Observer is told about every handled request.
type Observer interface {
	RequestHandled(command string, d time.Duration, err error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithWorkers sets the request pool size.
func WithWorkers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithRequestObserver reports request handling to o.
func WithRequestObserver(o Observer) ServerOption {
	return func(s *Server) { s.observer = o }
}

// errShutdown ends a session after a shutdown command.
var errShutdown = errors.New("controlplane: shutdown requested")

// Server answers control-plane requests with a fixed pool of workers.
type Server struct {
	ctl      Controller
	workers  int
	observer Observer

	runs sync.WaitGroup
}

// NewServer returns a server driving ctl.
func NewServer(ctl Controller, opts ...ServerOption) *Server {
	s := &Server{ctl: ctl, workers: DefaultWorkers}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve handles requests on conn until the peer closes it, a shutdown
// command is handled, or ctx ends. A failed reply shuts the channel down
// and the failure is returned. Runs started by this session are stopped
// before Serve returns.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	ep := NewEndpoint(ctx, conn)
	defer ep.Close()
	_, err := s.serve(ctx, ep)
	return err
}

// ServeListener accepts one supervising connection at a time until ctx ends
// or a session handles a shutdown command.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	logger := ctxlog.FromContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("controlplane: accept: %w", err)
		}
		logger.Info("Control-plane session opened.", "remote", conn.RemoteAddr().String())
		ep := NewEndpoint(ctx, conn)
		shutdown, err := s.serve(ctx, ep)
		_ = ep.Close()
		if err != nil {
			logger.Error("Control-plane session failed.", "error", err)
		} else {
			logger.Info("Control-plane session closed.")
		}
		if shutdown {
			return nil
		}
	}
}

func (s *Server) serve(ctx context.Context, ep *Endpoint) (shutdown bool, err error) {
	logger := ctxlog.FromContext(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	defer func() {
		s.ctl.StopSimulation()
		s.runs.Wait()
	}()

	for {
		p, rErr := ep.Recv(gctx)
		if rErr != nil {
			break
		}
		g.Go(func() error {
			return s.handle(gctx, ep, p)
		})
	}

	err = g.Wait()
	if errors.Is(err, errShutdown) {
		return true, nil
	}
	if err == nil {
		err = ep.Err()
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("Control-plane channel failed; shutting it down.", "error", err)
		return false, fmt.Errorf("controlplane: %w", err)
	}
	return false, nil
}

// handle runs one request. It returns an error only when the channel
// itself failed or a shutdown was handled. A shutdown whose ShutdownLoop
// fails is answered with an error packet and the session stays open, so the
// client may retry it.
func (s *Server) handle(ctx context.Context, ep *Endpoint, req Packet) error {
	logger := ctxlog.FromContext(ctx).With("command", req.Command, "id", req.ID)
	start := time.Now()

	reply, err := s.dispatch(ctx, req)
	if s.observer != nil {
		s.observer.RequestHandled(req.Command, time.Since(start), err)
	}
	resp := Packet{ID: req.ID, Command: req.Command}
	if err != nil {
		logger.Debug("Control-plane request failed.", "error", err)
		resp.Command = CmdError
		reply = ErrorReport{Code: int(simerr.KindOf(err)), Message: err.Error()}
	}
	payload, mErr := marshal(reply)
	if mErr != nil {
		payload, _ = marshal(ErrorReport{Code: int(simerr.KindUnknown), Message: mErr.Error()})
		resp.Command = CmdError
	}
	resp.Payload = payload

	if _, err := ep.Send(ctx, resp); err != nil {
		return fmt.Errorf("reply to %s #%d: %w", req.Command, req.ID, err)
	}
	if req.Command == CmdShutdown && err == nil {
		if wErr := ep.WaitDelivered(ctx, req.ID); wErr != nil {
			logger.Debug("Shutdown reply was not acknowledged.", "error", wErr)
		}
		return errShutdown
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req Packet) (any, error) {
	switch req.Command {
	case CmdStatus:
		return s.ctl.Status(), nil
	case CmdGetRunning:
		return RunningState{Running: s.ctl.IsRunning(), Initializing: s.ctl.IsSimInitializing()}, nil
	case CmdSetRunning:
		var in SetRunning
		if err := unmarshal(req.Payload, &in); err != nil {
			return nil, simerr.New(simerr.KindConfiguration, "", req.Command, err)
		}
		return nil, s.setRunning(ctx, in)
	case CmdGetEngineData:
		var in GetEngineData
		if err := unmarshal(req.Payload, &in); err != nil {
			return nil, simerr.New(simerr.KindConfiguration, "", req.Command, err)
		}
		return s.getEngineData(ctx, in)
	case CmdSetEngineData:
		var in EngineData
		if err := unmarshal(req.Payload, &in); err != nil {
			return nil, simerr.New(simerr.KindConfiguration, "", req.Command, err)
		}
		return nil, s.setEngineData(ctx, in)
	case CmdShutdown:
		return nil, s.ctl.ShutdownLoop(ctx)
	case CmdError:
		var in ErrorReport
		if err := unmarshal(req.Payload, &in); err != nil {
			return nil, simerr.New(simerr.KindConfiguration, "", req.Command, err)
		}
		ctxlog.FromContext(ctx).Error("Supervisor reported an error.", "code", in.Code, "message", in.Message)
		return nil, nil
	default:
		return nil, simerr.Newf(simerr.KindNotFound, "", "dispatch", "unknown command %q", req.Command)
	}
}

func (s *Server) setRunning(ctx context.Context, in SetRunning) error {
	if in.Timeout != nil {
		if err := s.ctl.SetTimeout(*in.Timeout); err != nil {
			return err
		}
	}
	if !in.Running {
		s.ctl.StopSimulation()
		return nil
	}
	if s.ctl.IsRunning() {
		return nil
	}
	if _, err := s.ctl.Catalog(); err != nil {
		return err
	}

	// The run outlives the request.
	runCtx := context.WithoutCancel(ctx)
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		logger := ctxlog.FromContext(runCtx)
		timedOut, err := s.ctl.RunSimulationUntilTimeout(runCtx)
		if err != nil {
			logger.Error("Simulation run failed.", "error", err)
			return
		}
		logger.Info("Simulation run ended.", "timed_out", timedOut)
	}()
	return nil
}

func (s *Server) getEngineData(ctx context.Context, in GetEngineData) (EngineData, error) {
	ids, err := fromIdentifiers(in.Identifiers)
	if err != nil {
		return EngineData{}, simerr.New(simerr.KindConfiguration, "", CmdGetEngineData, err)
	}
	devices, err := s.ctl.PullDevices(ctx, ids)
	if err != nil {
		return EngineData{}, err
	}
	data, err := encodeDevices(devices)
	if err != nil {
		return EngineData{}, err
	}
	return EngineData{Devices: data}, nil
}

func (s *Server) setEngineData(ctx context.Context, in EngineData) error {
	catalog, err := s.ctl.Catalog()
	if err != nil {
		return err
	}
	devices, err := decodeDevices(in.Devices, catalog)
	if err != nil {
		return simerr.New(simerr.KindConfiguration, in.Engine, CmdSetEngineData, err)
	}
	return s.ctl.PushDevices(ctx, in.Engine, devices)
}
