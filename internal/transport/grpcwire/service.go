// Package grpcwire runs the engine protocol over gRPC. Messages are
// msgpack-encoded through a registered codec, so the service is declared
// by hand instead of generated from protobuf.
package grpcwire

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/vk/lockstep/internal/codec/rpccodec"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC service name and the health-check key.
const ServiceName = "lockstep.Engine"

// EngineServer is the server side of the engine service.
type EngineServer interface {
	Initialize(context.Context, *InitializeRequest) (*InitializeReply, error)
	RunStep(context.Context, *RunStepRequest) (*RunStepReply, error)
	GetDevices(context.Context, *GetDevicesRequest) (*Devices, error)
	SetDevices(context.Context, *Devices) (*Empty, error)
	Shutdown(context.Context, *Empty) (*Empty, error)
}

func unary[Req any](call func(EngineServer, context.Context, *Req) (any, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(EngineServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(func(s EngineServer, ctx context.Context, in *InitializeRequest) (any, error) { return s.Initialize(ctx, in) }, "Initialize"),
		unary(func(s EngineServer, ctx context.Context, in *RunStepRequest) (any, error) { return s.RunStep(ctx, in) }, "RunStep"),
		unary(func(s EngineServer, ctx context.Context, in *GetDevicesRequest) (any, error) { return s.GetDevices(ctx, in) }, "GetDevices"),
		unary(func(s EngineServer, ctx context.Context, in *Devices) (any, error) { return s.SetDevices(ctx, in) }, "SetDevices"),
		unary(func(s EngineServer, ctx context.Context, in *Empty) (any, error) { return s.Shutdown(ctx, in) }, "Shutdown"),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lockstep/engine",
}

// adapter exposes an engine.Transport as an EngineServer.
type adapter struct {
	impl       engine.Transport
	onShutdown func()
}

func (a *adapter) Initialize(ctx context.Context, in *InitializeRequest) (*InitializeReply, error) {
	if err := a.impl.Initialize(ctx, in.Config); err != nil {
		return nil, err
	}
	return &InitializeReply{Initialized: true}, nil
}

func (a *adapter) RunStep(ctx context.Context, in *RunStepRequest) (*RunStepReply, error) {
	now, err := a.impl.RunStep(ctx, time.Duration(in.TimeStep))
	if err != nil {
		return nil, err
	}
	return &RunStepReply{EngineTime: int64(now)}, nil
}

func (a *adapter) GetDevices(ctx context.Context, in *GetDevicesRequest) (*Devices, error) {
	devices, err := a.impl.GetDevices(ctx, fromWire(in.Identifiers))
	if err != nil {
		return nil, err
	}
	envs, err := rpccodec.EncodeAll(devices)
	if err != nil {
		return nil, err
	}
	return &Devices{Devices: envs}, nil
}

func (a *adapter) SetDevices(ctx context.Context, in *Devices) (*Empty, error) {
	devices, err := rpccodec.DecodeAll(in.Devices)
	if err != nil {
		return nil, err
	}
	return &Empty{}, a.impl.SetDevices(ctx, devices)
}

func (a *adapter) Shutdown(ctx context.Context, _ *Empty) (*Empty, error) {
	err := a.impl.Shutdown(ctx)
	if a.onShutdown != nil {
		a.onShutdown()
	}
	return &Empty{}, err
}

// Register adds the engine service backed by impl to s. onShutdown, if not
// nil, runs after a shutdown request was handled.
func Register(s *grpc.Server, impl engine.Transport, onShutdown func()) {
	s.RegisterService(&serviceDesc, &adapter{impl: impl, onShutdown: onShutdown})
}

// Serve exposes impl on lis together with the standard health service. It
// returns nil after a shutdown request, or ctx's error when ctx ends first.
func Serve(ctx context.Context, lis net.Listener, impl engine.Transport) error {
	logger := ctxlog.FromContext(ctx)
	s := grpc.NewServer()

	shutdown := make(chan struct{})
	var once sync.Once
	Register(s, impl, func() { once.Do(func() { close(shutdown) }) })

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(lis) }()
	logger.Debug("Engine gRPC server listening.", "address", lis.Addr().String())

	select {
	case <-ctx.Done():
		s.Stop()
		<-errc
		return ctx.Err()
	case <-shutdown:
		hs.Shutdown()
		// The shutdown call itself is still being answered.
		go s.GracefulStop()
		return <-errc
	case err := <-errc:
		return err
	}
}
