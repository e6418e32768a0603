// Package rpccodec maps devices onto the statically declared message
// schemas of the RPC transport. Unlike the text and rank encodings, only
// device kinds with a registered schema can travel over RPC.
package rpccodec

import (
	"fmt"
	"sort"

	"github.com/vk/lockstep/internal/device"
	"github.com/vmihailenco/msgpack/v5"
)

// Envelope addresses one typed device message.
type Envelope struct {
	Name   string             `msgpack:"name"`
	Type   string             `msgpack:"type"`
	Engine string             `msgpack:"engine"`
	Body   msgpack.RawMessage `msgpack:"body"`
}

// message is implemented by every per-kind schema.
type message interface {
	fill(d *device.Device)
	apply(d *device.Device) error
}

type kind struct {
	schema *device.Schema
	new    func() message
}

var kinds = map[string]kind{}

func registerKind(typeName string, newMsg func() message) {
	for _, s := range device.Builtins() {
		if s.Name == typeName {
			kinds[typeName] = kind{schema: s, new: newMsg}
			return
		}
	}
	panic(fmt.Sprintf("rpccodec: no built-in schema for %q", typeName))
}

func init() {
	registerKind(device.TypeJoint, func() message { return new(JointMessage) })
	registerKind(device.TypeLink, func() message { return new(LinkMessage) })
	registerKind(device.TypeRawData, func() message { return new(RawDataMessage) })
	registerKind(device.TypeStatus, func() message { return new(StatusMessage) })
}

// SupportedTypes lists the device types with an RPC schema.
func SupportedTypes() []string {
	names := make([]string, 0, len(kinds))
	for n := range kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether a device type can travel over RPC.
func Supports(typeName string) bool {
	_, ok := kinds[typeName]
	return ok
}

// ToEnvelope encodes a device into its per-kind message.
func ToEnvelope(d *device.Device) (Envelope, error) {
	id := d.ID()
	k, ok := kinds[id.Type]
	if !ok {
		return Envelope{}, fmt.Errorf("device %s: type %q has no RPC schema", id, id.Type)
	}
	if err := d.Complete(); err != nil {
		return Envelope{}, err
	}
	m := k.new()
	m.fill(d)
	body, err := msgpack.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("device %s: %w", id, err)
	}
	return Envelope{Name: id.Name, Type: id.Type, Engine: id.EngineName, Body: body}, nil
}

// FromEnvelope decodes a per-kind message back into a device.
func FromEnvelope(e Envelope) (*device.Device, error) {
	id := device.NewIdentifier(e.Name, e.Type, e.Engine)
	k, ok := kinds[e.Type]
	if !ok {
		return nil, fmt.Errorf("device %s: type %q has no RPC schema", id, e.Type)
	}
	m := k.new()
	if err := msgpack.Unmarshal(e.Body, m); err != nil {
		return nil, fmt.Errorf("device %s: malformed body: %w", id, err)
	}
	d, err := device.New(id, k.schema)
	if err != nil {
		return nil, err
	}
	if err := m.apply(d); err != nil {
		return nil, err
	}
	return d, nil
}

// EncodeAll converts a batch of devices.
func EncodeAll(devices []*device.Device) ([]Envelope, error) {
	out := make([]Envelope, len(devices))
	for i, d := range devices {
		e, err := ToEnvelope(d)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// DecodeAll converts a batch of envelopes.
func DecodeAll(envs []Envelope) ([]*device.Device, error) {
	out := make([]*device.Device, len(envs))
	for i, e := range envs {
		d, err := FromEnvelope(e)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
