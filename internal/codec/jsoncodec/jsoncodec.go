// Package jsoncodec encodes devices for the text-message transport.
//
// A batch of devices is one JSON object keyed by device name:
//
//	{"arm": {"type": "joint", "engine": "physics", "position": 0.5, ...}}
//
// Decoding needs the device catalog to know each property's kind. Unknown
// members are ignored; a missing required property is an error.
package jsoncodec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/vk/lockstep/internal/device"
)

const (
	keyType   = "type"
	keyEngine = "engine"
)

// Encode serializes devices. Device names must be unique within a batch.
// Every identifier and string is valid UTF-8 by construction, so nothing is
// altered on the way through.
func Encode(devices []*device.Device) ([]byte, error) {
	out := make(map[string]map[string]any, len(devices))
	for _, d := range devices {
		id := d.ID()
		if _, dup := out[id.Name]; dup {
			return nil, fmt.Errorf("duplicate device name %q in one message", id.Name)
		}
		obj := map[string]any{keyType: id.Type, keyEngine: id.EngineName}
		for _, p := range d.Properties() {
			v, err := encodeValue(p.Value)
			if err != nil {
				return nil, fmt.Errorf("device %s property %q: %w", id, p.Name, err)
			}
			obj[p.Name] = v
		}
		out[id.Name] = obj
	}
	return marshal(out)
}

// marshal encodes v without HTML escaping, so opaque members are emitted
// byte for byte as the device holds them.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func encodeValue(v device.Value) (any, error) {
	switch v.Kind() {
	case device.KindInt:
		return v.AsInt(), nil
	case device.KindFloat:
		f := v.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("value %v is not representable in JSON", f)
		}
		return f, nil
	case device.KindString:
		return v.AsString(), nil
	case device.KindArray, device.KindVector:
		fs := v.AsFloats()
		for _, f := range fs {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, fmt.Errorf("value %v is not representable in JSON", f)
			}
		}
		if fs == nil {
			fs = []float64{}
		}
		return fs, nil
	case device.KindBytes:
		b := v.AsBytes()
		if b == nil {
			b = []byte{}
		}
		return b, nil
	case device.KindOpaque:
		return json.RawMessage(v.AsBytes()), nil
	}
	return nil, fmt.Errorf("unset value")
}

// Decode parses a device batch, returning devices sorted by identifier.
func Decode(data []byte, catalog *device.Catalog) ([]*device.Device, error) {
	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed device message: %w", err)
	}
	devices := make([]*device.Device, 0, len(raw))
	for name, members := range raw {
		d, err := decodeDevice(name, members, catalog)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	slices.SortFunc(devices, func(a, b *device.Device) int { return a.ID().Compare(b.ID()) })
	return devices, nil
}

func decodeDevice(name string, members map[string]json.RawMessage, catalog *device.Catalog) (*device.Device, error) {
	var typ, engine string
	if err := decodeString(members, keyType, &typ); err != nil {
		return nil, fmt.Errorf("device %q: %w", name, err)
	}
	if err := decodeString(members, keyEngine, &engine); err != nil {
		return nil, fmt.Errorf("device %q: %w", name, err)
	}
	d, err := catalog.NewDevice(device.NewIdentifier(name, typ, engine))
	if err != nil {
		return nil, err
	}
	for _, spec := range d.Schema().Properties {
		rawValue, ok := members[spec.Name]
		if !ok {
			continue
		}
		v, err := decodeValue(spec, rawValue)
		if err != nil {
			return nil, fmt.Errorf("device %s property %q: %w", d.ID(), spec.Name, err)
		}
		if err := d.Set(spec.Name, v); err != nil {
			return nil, err
		}
	}
	if err := d.Complete(); err != nil {
		return nil, err
	}
	return d, nil
}

func decodeString(members map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := members[key]
	if !ok {
		return fmt.Errorf("missing %q member", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("member %q: %w", key, err)
	}
	return nil
}

func decodeValue(spec device.PropertySpec, raw json.RawMessage) (device.Value, error) {
	switch spec.Kind {
	case device.KindInt:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return device.Value{}, err
		}
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return device.Value{}, err
		}
		return device.Int(i), nil
	case device.KindFloat:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return device.Value{}, err
		}
		return device.Float(f), nil
	case device.KindString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return device.Value{}, err
		}
		return device.String(s), nil
	case device.KindArray, device.KindVector:
		var fs []float64
		if err := json.Unmarshal(raw, &fs); err != nil {
			return device.Value{}, err
		}
		if spec.Kind == device.KindArray {
			return device.Array(fs...), nil
		}
		return device.Vector(fs...), nil
	case device.KindBytes:
		var b []byte
		if err := json.Unmarshal(raw, &b); err != nil {
			return device.Value{}, err
		}
		return device.Bytes(b), nil
	case device.KindOpaque:
		return device.Opaque(raw)
	}
	return device.Value{}, fmt.Errorf("unsupported kind %s", spec.Kind)
}

// wireIdentifier is the JSON shape of an identifier in device requests.
type wireIdentifier struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Engine string `json:"engine"`
}

// EncodeIdentifiers serializes a device request list.
func EncodeIdentifiers(ids []device.Identifier) ([]byte, error) {
	out := make([]wireIdentifier, len(ids))
	for i, id := range ids {
		if err := id.Validate(); err != nil {
			return nil, err
		}
		out[i] = wireIdentifier{Name: id.Name, Type: id.Type, Engine: id.EngineName}
	}
	return marshal(out)
}

// DecodeIdentifiers parses a device request list.
func DecodeIdentifiers(data []byte) ([]device.Identifier, error) {
	var in []wireIdentifier
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("malformed identifier list: %w", err)
	}
	ids := make([]device.Identifier, len(in))
	for i, w := range in {
		ids[i] = device.NewIdentifier(w.Name, w.Type, w.Engine)
		if err := ids[i].Validate(); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
