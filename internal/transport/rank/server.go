package rank

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/lockstep/internal/codec/rankcodec"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
)

// Serve answers control messages from the orchestrator by calling impl.
// It returns nil after a shutdown message.
func Serve(ctx context.Context, comm Comm, impl engine.Transport, catalog *device.Catalog) error {
	logger := ctxlog.FromContext(ctx).With("rank", comm.Rank())
	for {
		data, err := comm.Recv(ctx, Orchestrator, TagControl)
		if err != nil {
			return err
		}
		var ctl control
		if err := unmarshal(data, &ctl); err != nil {
			return fmt.Errorf("malformed control message: %w", err)
		}
		logger.Debug("Handling request.", "verb", ctl.Verb)

		switch ctl.Verb {
		case verbShutdown:
			return impl.Shutdown(ctx)

		case verbInitialize:
			err = respond(ctx, comm, reply{}, impl.Initialize(ctx, ctl.Config))

		case verbRunStep:
			now, stepErr := impl.RunStep(ctx, time.Duration(ctl.TimeStep))
			err = respond(ctx, comm, reply{EngineTime: int64(now)}, stepErr)

		case verbGetDevices:
			err = serveGet(ctx, comm, impl, fromWire(ctl.Identifiers))

		case verbSetDevices:
			err = serveSet(ctx, comm, impl, catalog, fromWire(ctl.Identifiers))

		default:
			err = respond(ctx, comm, reply{}, fmt.Errorf("unknown verb %q", ctl.Verb))
		}
		if err != nil {
			return err
		}
	}
}

// respond sends r, or an error reply when opErr is set. The returned error
// is a communication failure only.
func respond(ctx context.Context, comm Comm, r reply, opErr error) error {
	if opErr != nil {
		r = reply{Error: opErr.Error()}
	} else {
		r.OK = true
	}
	data, err := marshal(r)
	if err != nil {
		return err
	}
	return comm.Send(ctx, Orchestrator, TagReply, data)
}

func serveGet(ctx context.Context, comm Comm, impl engine.Transport, ids []device.Identifier) error {
	devices, err := impl.GetDevices(ctx, ids)
	if err == nil && len(devices) != len(ids) {
		err = fmt.Errorf("engine returned %d devices for %d identifiers", len(devices), len(ids))
	}
	msgs := make([]rankcodec.Message, 0, len(devices))
	if err == nil {
		for _, d := range devices {
			m, encErr := rankcodec.Encode(d)
			if encErr != nil {
				err = encErr
				break
			}
			msgs = append(msgs, m)
		}
	}
	if err != nil {
		return respond(ctx, comm, reply{}, err)
	}
	if err := respond(ctx, comm, reply{}, nil); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := sendDevice(ctx, comm, Orchestrator, m); err != nil {
			return err
		}
	}
	return nil
}

// serveSet always drains every announced device before replying.
func serveSet(ctx context.Context, comm Comm, impl engine.Transport, catalog *device.Catalog, ids []device.Identifier) error {
	devices := make([]*device.Device, 0, len(ids))
	var opErr error
	for _, id := range ids {
		s, ok := catalog.Lookup(id.Type)
		if !ok {
			// The announced sizes are unknown; the stream cannot be resynchronized.
			return fmt.Errorf("unknown device type %q", id.Type)
		}
		d, err := receiveDevice(ctx, comm, Orchestrator, s)
		if err != nil {
			return err
		}
		if d.ID() != id && opErr == nil {
			opErr = fmt.Errorf("announced %s, received %s", id, d.ID())
		}
		devices = append(devices, d)
	}
	if opErr == nil {
		opErr = impl.SetDevices(ctx, devices)
	}
	return respond(ctx, comm, reply{}, opErr)
}
