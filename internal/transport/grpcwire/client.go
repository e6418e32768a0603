package grpcwire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/lockstep/internal/codec/rpccodec"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ConnectTimeout bounds the connection attempt and health check in Dial.
const ConnectTimeout = 10 * time.Second

// shutdownGrace bounds the fire-and-forget shutdown call.
const shutdownGrace = time.Second

var _ engine.Transport = (*Client)(nil)

// Client is the orchestrator side of the engine service.
type Client struct {
	target string
	conn   *grpc.ClientConn
}

// Dial connects to the engine at target and waits until its health check
// reports SERVING, for at most ConnectTimeout.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	conn.Connect()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if state == connectivity.Idle {
			conn.Connect()
		}
		if !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			return nil, fmt.Errorf("engine at %s did not become ready: %w", target, ctx.Err())
		}
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("health check %s: %w", target, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		_ = conn.Close()
		return nil, fmt.Errorf("engine at %s is %s", target, resp.GetStatus())
	}
	return &Client{target: target, conn: conn}, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Initialize implements engine.Transport.
func (c *Client) Initialize(ctx context.Context, config []byte) error {
	var reply InitializeReply
	if err := c.invoke(ctx, "Initialize", &InitializeRequest{Config: config}, &reply); err != nil {
		return err
	}
	if !reply.Initialized {
		return errors.New("Initialize: engine did not acknowledge initialization")
	}
	return nil
}

// RunStep implements engine.Transport.
func (c *Client) RunStep(ctx context.Context, timeStep time.Duration) (time.Duration, error) {
	var reply RunStepReply
	if err := c.invoke(ctx, "RunStep", &RunStepRequest{TimeStep: int64(timeStep)}, &reply); err != nil {
		return 0, err
	}
	return time.Duration(reply.EngineTime), nil
}

// GetDevices implements engine.Transport.
func (c *Client) GetDevices(ctx context.Context, ids []device.Identifier) ([]*device.Device, error) {
	for _, id := range ids {
		if !rpccodec.Supports(id.Type) {
			return nil, fmt.Errorf("GetDevices: device %s has no RPC schema", id)
		}
	}
	var reply Devices
	if err := c.invoke(ctx, "GetDevices", &GetDevicesRequest{Identifiers: toWire(ids)}, &reply); err != nil {
		return nil, err
	}
	return rpccodec.DecodeAll(reply.Devices)
}

// SetDevices implements engine.Transport.
func (c *Client) SetDevices(ctx context.Context, devices []*device.Device) error {
	envs, err := rpccodec.EncodeAll(devices)
	if err != nil {
		return fmt.Errorf("SetDevices: %w", err)
	}
	return c.invoke(ctx, "SetDevices", &Devices{Devices: envs}, &Empty{})
}

// Shutdown implements engine.Transport. The engine's answer is not
// required; an unanswered call is abandoned after a short grace period and
// the connection is closed either way.
func (c *Client) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	_ = c.invoke(ctx, "Shutdown", &Empty{}, &Empty{})
	return c.conn.Close()
}
