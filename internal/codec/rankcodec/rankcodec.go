// Package rankcodec implements the fixed-order binary device encoding used
// by the rank-based transport. No property names travel on the wire; both
// sides derive the layout from the device type's schema.
//
// A device is sent as two messages. The header is a list of little-endian
// int64s:
//
//	presence mask | len(name) | len(type) | len(engine) | one length per variable-length property
//
// The payload is one contiguous buffer: every fixed-size property in
// declaration order, then the identifier strings, then every
// variable-length property back to back in declaration order. Vector
// lengths count elements; all other lengths count bytes.
package rankcodec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vk/lockstep/internal/device"
)

// identifierFields is the number of identifier strings in every header.
const identifierFields = 3

// maxPayload bounds a single device payload so a corrupt header cannot
// trigger a huge allocation.
const maxPayload = 1 << 30

// MaxProperties is the largest schema the presence mask can describe.
const MaxProperties = 63

// Message is one encoded device.
type Message struct {
	Header  []int64
	Payload []byte
}

// HeaderLen is the number of header integers for a device of this schema.
func HeaderLen(s *device.Schema) int {
	return 1 + identifierFields + s.VariableFields()
}

// Encode lays out a device according to its schema.
func Encode(d *device.Device) (Message, error) {
	s := d.Schema()
	if len(s.Properties) > MaxProperties {
		return Message{}, fmt.Errorf("device type %q has more than %d properties", s.Name, MaxProperties)
	}
	id := d.ID()
	header := make([]int64, 0, HeaderLen(s))
	header = append(header, 0, int64(len(id.Name)), int64(len(id.Type)), int64(len(id.EngineName)))

	var mask int64
	fixed := make([]byte, 0, s.FixedSize())
	var variable []byte
	for i, spec := range s.Properties {
		v, set := d.Get(spec.Name)
		if set {
			mask |= 1 << i
		}
		switch spec.Kind {
		case device.KindInt:
			fixed = binary.LittleEndian.AppendUint64(fixed, uint64(v.AsInt()))
		case device.KindFloat:
			fixed = binary.LittleEndian.AppendUint64(fixed, math.Float64bits(v.AsFloat()))
		case device.KindArray:
			fs := v.AsFloats()
			if !set {
				fs = make([]float64, spec.Length)
			}
			fixed = appendFloats(fixed, fs)
		case device.KindString:
			header = append(header, int64(len(v.AsString())))
			variable = append(variable, v.AsString()...)
		case device.KindVector:
			fs := v.AsFloats()
			header = append(header, int64(len(fs)))
			variable = appendFloats(variable, fs)
		case device.KindBytes, device.KindOpaque:
			b := v.AsBytes()
			header = append(header, int64(len(b)))
			variable = append(variable, b...)
		}
	}
	header[0] = mask

	payload := make([]byte, 0, len(fixed)+len(id.Name)+len(id.Type)+len(id.EngineName)+len(variable))
	payload = append(payload, fixed...)
	payload = append(payload, id.Name...)
	payload = append(payload, id.Type...)
	payload = append(payload, id.EngineName...)
	payload = append(payload, variable...)
	return Message{Header: header, Payload: payload}, nil
}

func appendFloats(dst []byte, fs []float64) []byte {
	for _, f := range fs {
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(f))
	}
	return dst
}

// PayloadSize validates a header against a schema and returns the exact
// payload length it announces. Receivers size their buffer with it before
// reading the payload.
func PayloadSize(s *device.Schema, header []int64) (int, error) {
	if len(header) != HeaderLen(s) {
		return 0, fmt.Errorf("device type %q: header has %d fields, want %d", s.Name, len(header), HeaderLen(s))
	}
	total := int64(s.FixedSize())
	lengths := header[1:]
	for i := 0; i < identifierFields; i++ {
		if lengths[i] < 0 || lengths[i] > maxPayload {
			return 0, fmt.Errorf("invalid identifier length %d in header", lengths[i])
		}
		total += lengths[i]
	}
	if total > maxPayload {
		return 0, fmt.Errorf("device payload exceeds %d bytes", maxPayload)
	}
	lengths = lengths[identifierFields:]
	j := 0
	for _, spec := range s.Properties {
		if !spec.Kind.VariableLength() {
			continue
		}
		n := lengths[j]
		j++
		if n < 0 || n > maxPayload {
			return 0, fmt.Errorf("property %q: invalid length %d", spec.Name, n)
		}
		if spec.Kind == device.KindVector {
			n *= 8
		}
		total += n
		if total > maxPayload {
			return 0, fmt.Errorf("device payload exceeds %d bytes", maxPayload)
		}
	}
	return int(total), nil
}

// Decode rebuilds a device from a header and payload of the given schema.
func Decode(s *device.Schema, header []int64, payload []byte) (*device.Device, error) {
	size, err := PayloadSize(s, header)
	if err != nil {
		return nil, err
	}
	if len(payload) != size {
		return nil, fmt.Errorf("device type %q: payload is %d bytes, header announces %d", s.Name, len(payload), size)
	}
	mask := header[0]
	r := reader{buf: payload}

	fixedValues := make(map[int]device.Value)
	for i, spec := range s.Properties {
		switch spec.Kind {
		case device.KindInt:
			fixedValues[i] = device.Int(int64(r.uint64()))
		case device.KindFloat:
			fixedValues[i] = device.Float(math.Float64frombits(r.uint64()))
		case device.KindArray:
			fixedValues[i] = device.Array(r.floats(spec.Length)...)
		}
	}

	name := string(r.bytes(int(header[1])))
	typ := string(r.bytes(int(header[2])))
	engine := string(r.bytes(int(header[3])))
	if typ != s.Name {
		return nil, fmt.Errorf("payload carries type %q, expected %q", typ, s.Name)
	}
	d, err := device.New(device.NewIdentifier(name, typ, engine), s)
	if err != nil {
		return nil, err
	}

	lengths := header[1+identifierFields:]
	j := 0
	for i, spec := range s.Properties {
		var v device.Value
		if spec.Kind.VariableLength() {
			n := int(lengths[j])
			j++
			switch spec.Kind {
			case device.KindString:
				v = device.String(string(r.bytes(n)))
			case device.KindVector:
				v = device.Vector(r.floats(n)...)
			case device.KindBytes:
				v = device.Bytes(r.bytes(n))
			case device.KindOpaque:
				raw := r.bytes(n)
				if mask&(1<<i) != 0 {
					if v, err = device.Opaque(raw); err != nil {
						return nil, fmt.Errorf("property %q: %w", spec.Name, err)
					}
				}
			}
		} else {
			v = fixedValues[i]
		}
		if mask&(1<<i) == 0 {
			continue
		}
		if err := d.Set(spec.Name, v); err != nil {
			return nil, err
		}
	}
	return d, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) bytes(n int) []byte {
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint64() uint64 {
	return binary.LittleEndian.Uint64(r.bytes(8))
}

func (r *reader) floats(n int) []float64 {
	fs := make([]float64, n)
	for i := range fs {
		fs[i] = math.Float64frombits(r.uint64())
	}
	return fs
}

// EncodeHeader serializes header integers for transmission.
func EncodeHeader(header []int64) []byte {
	buf := make([]byte, 0, 8*len(header))
	for _, h := range header {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(h))
	}
	return buf
}

// DecodeHeader parses header integers.
func DecodeHeader(buf []byte) ([]int64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("header length %d is not a multiple of 8", len(buf))
	}
	header := make([]int64, len(buf)/8)
	for i := range header {
		header[i] = int64(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return header, nil
}
