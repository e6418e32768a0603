package rpccodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/lockstep/internal/device"
	"github.com/vmihailenco/msgpack/v5"
)

func TestRoundTrip_AllStaticKinds(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	cat, err := device.NewCatalog()
	require.NoError(t, err)
	mk := func(name, typ string) *device.Device {
		d, err := cat.NewDevice(device.NewIdentifier(name, typ, "Engine.A"))
		require.NoError(t, err)
		return d
	}
	joint := mk("elbow", device.TypeJoint).
		MustSet("position", device.Float(0.25)).
		MustSet("velocity", device.Float(-1)).
		MustSet("effort", device.Float(3))
	link := mk("base", device.TypeLink).
		MustSet("position", device.Array(1, 2, 3)).
		MustSet("orientation", device.Array(0, 0, 0, 1)).
		MustSet("linear_velocity", device.Array(0, 0, 0)).
		MustSet("angular_velocity", device.Array(0.1, 0.2, 0.3))
	raw := mk("cam", device.TypeRawData).MustSet("data", device.Bytes([]byte("jpeg")))
	status := mk("st", device.TypeStatus).
		MustSet("code", device.Int(5)).
		MustSet("message", device.String("ok")).
		MustSet("payload", device.Bytes(nil)).
		MustSet("samples", device.Vector())
	in := []*device.Device{joint, link, raw, status}

	// --- Act ---
	envs, err := EncodeAll(in)
	require.NoError(t, err)
	wire, err := msgpack.Marshal(envs)
	require.NoError(t, err)
	var back []Envelope
	require.NoError(t, msgpack.Unmarshal(wire, &back))
	out, err := DecodeAll(back)

	// --- Assert ---
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.Equal(t, in[i].ID(), out[i].ID())
		assert.True(t, in[i].Equal(out[i]), "got %s want %s", out[i], in[i])
	}
	_, set := out[3].Get("samples")
	assert.True(t, set, "an empty but set vector must stay set")
	_, set = out[3].Get("state")
	assert.False(t, set)
}

func TestToEnvelope_RejectsUndeclaredKinds(t *testing.T) {
	t.Parallel()

	s := device.MustSchema("sensor", device.PropertySpec{Name: "count", Kind: device.KindInt})
	d, err := device.New(device.NewIdentifier("c", "sensor", "e"), s)
	require.NoError(t, err)
	d.MustSet("count", device.Int(1))

	_, err = ToEnvelope(d)
	assert.Error(t, err)
	_, err = FromEnvelope(Envelope{Name: "c", Type: "sensor", Engine: "e"})
	assert.Error(t, err)
	assert.False(t, Supports("sensor"))
	assert.Equal(t, []string{"joint", "link", "raw_data", "status"}, SupportedTypes())
}

func TestToEnvelope_RequiresCompleteDevice(t *testing.T) {
	t.Parallel()

	cat, err := device.NewCatalog()
	require.NoError(t, err)
	d, err := cat.NewDevice(device.NewIdentifier("elbow", device.TypeJoint, "e"))
	require.NoError(t, err)
	_, err = ToEnvelope(d)
	assert.Error(t, err)
}
