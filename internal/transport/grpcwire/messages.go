package grpcwire

import (
	"github.com/vk/lockstep/internal/codec/rpccodec"
	"github.com/vk/lockstep/internal/device"
)

type InitializeRequest struct {
	Config []byte `msgpack:"config"`
}

type InitializeReply struct {
	Initialized bool `msgpack:"initialized"`
}

type RunStepRequest struct {
	TimeStep int64 `msgpack:"time_step"`
}

type RunStepReply struct {
	EngineTime int64 `msgpack:"engine_time"`
}

type Identifier struct {
	Name   string `msgpack:"name"`
	Type   string `msgpack:"type"`
	Engine string `msgpack:"engine"`
}

type GetDevicesRequest struct {
	Identifiers []Identifier `msgpack:"identifiers"`
}

// Devices carries a batch in both directions.
type Devices struct {
	Devices []rpccodec.Envelope `msgpack:"devices"`
}

type Empty struct{}

func toWire(ids []device.Identifier) []Identifier {
	out := make([]Identifier, len(ids))
	for i, id := range ids {
		out[i] = Identifier{Name: id.Name, Type: id.Type, Engine: id.EngineName}
	}
	return out
}

func fromWire(ids []Identifier) []device.Identifier {
	out := make([]device.Identifier, len(ids))
	for i, id := range ids {
		out[i] = device.NewIdentifier(id.Name, id.Type, id.Engine)
	}
	return out
}
