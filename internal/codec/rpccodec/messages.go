package rpccodec

import (
	"github.com/vk/lockstep/internal/device"
)

// JointMessage is the RPC schema of device.TypeJoint.
type JointMessage struct {
	Position float64 `msgpack:"position"`
	Velocity float64 `msgpack:"velocity"`
	Effort   float64 `msgpack:"effort"`
}

func (m *JointMessage) fill(d *device.Device) {
	m.Position = getFloat(d, "position")
	m.Velocity = getFloat(d, "velocity")
	m.Effort = getFloat(d, "effort")
}

func (m *JointMessage) apply(d *device.Device) error {
	return setAll(d,
		device.Property{Name: "position", Value: device.Float(m.Position)},
		device.Property{Name: "velocity", Value: device.Float(m.Velocity)},
		device.Property{Name: "effort", Value: device.Float(m.Effort)},
	)
}

// LinkMessage is the RPC schema of device.TypeLink.
type LinkMessage struct {
	Position        [3]float64 `msgpack:"position"`
	Orientation     [4]float64 `msgpack:"orientation"`
	LinearVelocity  [3]float64 `msgpack:"linear_velocity"`
	AngularVelocity [3]float64 `msgpack:"angular_velocity"`
}

func (m *LinkMessage) fill(d *device.Device) {
	copy(m.Position[:], getFloats(d, "position"))
	copy(m.Orientation[:], getFloats(d, "orientation"))
	copy(m.LinearVelocity[:], getFloats(d, "linear_velocity"))
	copy(m.AngularVelocity[:], getFloats(d, "angular_velocity"))
}

func (m *LinkMessage) apply(d *device.Device) error {
	return setAll(d,
		device.Property{Name: "position", Value: device.Array(m.Position[:]...)},
		device.Property{Name: "orientation", Value: device.Array(m.Orientation[:]...)},
		device.Property{Name: "linear_velocity", Value: device.Array(m.LinearVelocity[:]...)},
		device.Property{Name: "angular_velocity", Value: device.Array(m.AngularVelocity[:]...)},
	)
}

// RawDataMessage is the RPC schema of device.TypeRawData.
type RawDataMessage struct {
	Data []byte `msgpack:"data"`
}

func (m *RawDataMessage) fill(d *device.Device) {
	v, _ := d.Get("data")
	m.Data = v.AsBytes()
}

func (m *RawDataMessage) apply(d *device.Device) error {
	return d.Set("data", device.Bytes(m.Data))
}

// StatusMessage is the RPC schema of device.TypeStatus. Optional
// properties are pointers so "set but empty" survives the trip.
type StatusMessage struct {
	Code    int64      `msgpack:"code"`
	Message string     `msgpack:"message"`
	Payload []byte     `msgpack:"payload"`
	Samples *[]float64 `msgpack:"samples,omitempty"`
	State   []byte     `msgpack:"state,omitempty"`
}

func (m *StatusMessage) fill(d *device.Device) {
	if v, ok := d.Get("code"); ok {
		m.Code = v.AsInt()
	}
	if v, ok := d.Get("message"); ok {
		m.Message = v.AsString()
	}
	if v, ok := d.Get("payload"); ok {
		m.Payload = v.AsBytes()
	}
	if v, ok := d.Get("samples"); ok {
		s := v.AsFloats()
		if s == nil {
			s = []float64{}
		}
		m.Samples = &s
	}
	if v, ok := d.Get("state"); ok {
		m.State = v.AsBytes()
	}
}

func (m *StatusMessage) apply(d *device.Device) error {
	props := []device.Property{
		{Name: "code", Value: device.Int(m.Code)},
		{Name: "message", Value: device.String(m.Message)},
		{Name: "payload", Value: device.Bytes(m.Payload)},
	}
	if m.Samples != nil {
		props = append(props, device.Property{Name: "samples", Value: device.Vector(*m.Samples...)})
	}
	if len(m.State) > 0 {
		v, err := device.Opaque(m.State)
		if err != nil {
			return err
		}
		props = append(props, device.Property{Name: "state", Value: v})
	}
	return setAll(d, props...)
}

func getFloat(d *device.Device, name string) float64 {
	v, _ := d.Get(name)
	return v.AsFloat()
}

func getFloats(d *device.Device, name string) []float64 {
	v, _ := d.Get(name)
	return v.AsFloats()
}

func setAll(d *device.Device, props ...device.Property) error {
	for _, p := range props {
		if err := d.Set(p.Name, p.Value); err != nil {
			return err
		}
	}
	return nil
}
