package controlplane

import (
	"fmt"
	"time"

	"github.com/vk/lockstep/internal/codec/jsoncodec"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/simerr"
	"github.com/vmihailenco/msgpack/v5"
)

// RunningState is the get_running reply.
type RunningState struct {
	Running      bool `msgpack:"running"`
	Initializing bool `msgpack:"initializing"`
}

// SetRunning is the set_running request. A nil Timeout keeps the current
// one.
type SetRunning struct {
	Running bool           `msgpack:"running"`
	Timeout *time.Duration `msgpack:"timeout,omitempty"`
}

// Identifier is a device identifier on the control-plane.
type Identifier struct {
	Name   string `msgpack:"name"`
	Type   string `msgpack:"type"`
	Engine string `msgpack:"engine"`
}

// GetEngineData is the get_engine_data request.
type GetEngineData struct {
	Identifiers []Identifier `msgpack:"identifiers"`
}

// EngineData carries devices, each in the text device encoding. It is the
// get_engine_data reply and, with Engine set, the set_engine_data request.
type EngineData struct {
	Engine  string   `msgpack:"engine,omitempty"`
	Devices [][]byte `msgpack:"devices"`
}

// encodeDevices encodes one message per device, so same-named devices of
// different engines stay apart.
func encodeDevices(devices []*device.Device) ([][]byte, error) {
	out := make([][]byte, len(devices))
	for i, d := range devices {
		data, err := jsoncodec.Encode([]*device.Device{d})
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func decodeDevices(in [][]byte, catalog *device.Catalog) ([]*device.Device, error) {
	out := make([]*device.Device, 0, len(in))
	for _, data := range in {
		devices, err := jsoncodec.Decode(data, catalog)
		if err != nil {
			return nil, err
		}
		out = append(out, devices...)
	}
	return out, nil
}

// ErrorReport is the payload of an error packet. Code is a simerr.Kind.
type ErrorReport struct {
	Code    int    `msgpack:"code"`
	Message string `msgpack:"message"`
}

// RemoteError is an error reported by the peer. It matches the simerr
// sentinel of the same kind.
type RemoteError struct {
	Code    simerr.Kind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*simerr.Error)
	return ok && t.Kind == e.Code
}

func toIdentifiers(ids []device.Identifier) []Identifier {
	out := make([]Identifier, len(ids))
	for i, id := range ids {
		out[i] = Identifier{Name: id.Name, Type: id.Type, Engine: id.EngineName}
	}
	return out
}

func fromIdentifiers(in []Identifier) ([]device.Identifier, error) {
	out := make([]device.Identifier, len(in))
	for i, w := range in {
		out[i] = device.NewIdentifier(w.Name, w.Type, w.Engine)
		if err := out[i].Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func marshal(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return msgpack.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	if v == nil || len(data) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("controlplane: malformed payload: %w", err)
	}
	return nil
}
