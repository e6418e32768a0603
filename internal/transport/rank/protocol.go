package rank

import (
	"github.com/vk/lockstep/internal/device"
	"github.com/vmihailenco/msgpack/v5"
)

// Control verbs.
const (
	verbInitialize = "initialize"
	verbRunStep    = "run_step"
	verbGetDevices = "get_devices"
	verbSetDevices = "set_devices"
	verbShutdown   = "shutdown"
)

type wireID struct {
	Name   string `msgpack:"n"`
	Type   string `msgpack:"t"`
	Engine string `msgpack:"e"`
}

// control is sent by the orchestrator on TagControl. For set_devices it is
// followed by a header and payload message per identifier.
type control struct {
	Verb        string   `msgpack:"verb"`
	Config      []byte   `msgpack:"config,omitempty"`
	TimeStep    int64    `msgpack:"time_step,omitempty"`
	Identifiers []wireID `msgpack:"ids,omitempty"`
}

// reply answers every control except shutdown on TagReply. A successful
// get_devices reply is followed by a header and payload message per
// requested identifier.
type reply struct {
	OK         bool   `msgpack:"ok"`
	Error      string `msgpack:"error,omitempty"`
	EngineTime int64  `msgpack:"engine_time,omitempty"`
}

func toWire(ids []device.Identifier) []wireID {
	out := make([]wireID, len(ids))
	for i, id := range ids {
		out[i] = wireID{Name: id.Name, Type: id.Type, Engine: id.EngineName}
	}
	return out
}

func fromWire(ids []wireID) []device.Identifier {
	out := make([]device.Identifier, len(ids))
	for i, id := range ids {
		out[i] = device.NewIdentifier(id.Name, id.Type, id.Engine)
	}
	return out
}

func marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
