package jsoncodec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/lockstep/internal/codec/rankcodec"
	"github.com/vk/lockstep/internal/device"
)

func newCatalog(t *testing.T) *device.Catalog {
	t.Helper()
	cat, err := device.NewCatalog()
	require.NoError(t, err)
	return cat
}

func TestRoundTrip_StatusDevice(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	cat := newCatalog(t)
	d, err := cat.NewDevice(device.NewIdentifier("Sensor.Ärm", device.TypeStatus, "Physics-1"))
	require.NoError(t, err)
	state, err := device.OpaqueOf(map[string]any{"mode": "walk", "n": 3})
	require.NoError(t, err)
	d.MustSet("code", device.Int(math.MaxInt64)).
		MustSet("message", device.String("hello\nworld")).
		MustSet("payload", device.Bytes([]byte{0, 1, 2, 255})).
		MustSet("samples", device.Vector(0.1, -2.5e-300)).
		MustSet("state", state)

	// --- Act ---
	data, err := Encode([]*device.Device{d})
	require.NoError(t, err)
	out, err := Decode(data, cat)

	// --- Assert ---
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, d.ID(), out[0].ID(), "identifier must round-trip exactly")
	assert.True(t, d.Equal(out[0]), "got %s want %s", out[0], d)
}

func TestDecode_UnknownMembersIgnored(t *testing.T) {
	t.Parallel()

	msg := `{"j": {"type": "joint", "engine": "e", "position": 1, "velocity": 2.5, "effort": -1, "color": "red"}}`
	out, err := Decode([]byte(msg), newCatalog(t))
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, ok := out[0].Get("velocity")
	require.True(t, ok)
	assert.Equal(t, 2.5, v.AsFloat())
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	cat := newCatalog(t)
	cases := map[string]string{
		"missing required": `{"j": {"type": "joint", "engine": "e", "position": 1}}`,
		"missing type":     `{"j": {"engine": "e"}}`,
		"missing engine":   `{"j": {"type": "joint"}}`,
		"unknown type":     `{"j": {"type": "nope", "engine": "e"}}`,
		"wrong kind":       `{"r": {"type": "raw_data", "engine": "e", "data": 12}}`,
		"fractional int":   `{"s": {"type": "status", "engine": "e", "code": 1.5, "message": "", "payload": ""}}`,
		"malformed":        `{"j": `,
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(msg), cat)
			assert.Error(t, err)
		})
	}
}

func TestEncode_RejectsDuplicateNamesAndNaN(t *testing.T) {
	t.Parallel()

	cat := newCatalog(t)
	a, _ := cat.NewDevice(device.NewIdentifier("x", device.TypeRawData, "a"))
	b, _ := cat.NewDevice(device.NewIdentifier("x", device.TypeRawData, "b"))
	_, err := Encode([]*device.Device{a, b})
	assert.Error(t, err)

	j, _ := cat.NewDevice(device.NewIdentifier("j", device.TypeJoint, "a"))
	j.MustSet("position", device.Float(math.NaN()))
	_, err = Encode([]*device.Device{j})
	assert.Error(t, err)
}

func TestIdentifiers_RoundTrip(t *testing.T) {
	t.Parallel()

	ids := []device.Identifier{
		device.NewIdentifier("A", "joint", "E"),
		device.NewIdentifier("a", "joint", "e"),
	}
	data, err := EncodeIdentifiers(ids)
	require.NoError(t, err)
	out, err := DecodeIdentifiers(data)
	require.NoError(t, err)
	assert.Equal(t, ids, out)

	_, err = DecodeIdentifiers([]byte(`[{"name": "", "type": "joint"}]`))
	assert.Error(t, err)
}

// transports runs d through both device codecs and returns what each
// receiver rebuilt.
func transports(t *testing.T, cat *device.Catalog, d *device.Device) map[string]*device.Device {
	t.Helper()
	data, err := Encode([]*device.Device{d})
	require.NoError(t, err)
	text, err := Decode(data, cat)
	require.NoError(t, err)
	require.Len(t, text, 1)

	msg, err := rankcodec.Encode(d)
	require.NoError(t, err)
	header, err := rankcodec.DecodeHeader(rankcodec.EncodeHeader(msg.Header))
	require.NoError(t, err)
	rank, err := rankcodec.Decode(d.Schema(), header, msg.Payload)
	require.NoError(t, err)

	return map[string]*device.Device{"text": text[0], "rank": rank}
}

func TestRoundTrip_EdgeValuesAcrossCodecs(t *testing.T) {
	t.Parallel()

	cat := newCatalog(t)
	html, err := device.Opaque([]byte(`{"expr": "a<b && c>d"}`))
	require.NoError(t, err)
	htmlOf, err := device.OpaqueOf(map[string]string{"expr": "a<b && c>d"})
	require.NoError(t, err)

	cases := map[string]func(d *device.Device){
		"html sensitive opaque": func(d *device.Device) {
			d.MustSet("message", device.String("<b>&amp;</b>")).MustSet("payload", device.Bytes([]byte("x"))).MustSet("state", html)
		},
		"html sensitive opaque from value": func(d *device.Device) {
			d.MustSet("message", device.String("")).MustSet("payload", device.Bytes([]byte("x"))).MustSet("state", htmlOf)
		},
		"nil blob and nil vector": func(d *device.Device) {
			d.MustSet("message", device.String("")).MustSet("payload", device.Bytes(nil)).MustSet("samples", device.Vector())
		},
		"empty blob and empty vector": func(d *device.Device) {
			d.MustSet("message", device.String("")).MustSet("payload", device.Bytes([]byte{})).MustSet("samples", device.Vector([]float64{}...))
		},
		"multibyte and separators": func(d *device.Device) {
			d.MustSet("message", device.String("Ärm \u2028 日本")).MustSet("payload", device.Bytes([]byte{0xff}))
		},
	}
	for name, fill := range cases {
		t.Run(name, func(t *testing.T) {
			// --- Arrange ---
			d, err := cat.NewDevice(device.NewIdentifier("cam<0>&", device.TypeStatus, "Physics"))
			require.NoError(t, err)
			d.MustSet("code", device.Int(7))
			fill(d)

			// --- Act ---
			got := transports(t, cat, d)

			// --- Assert ---
			for codec, out := range got {
				assert.Equal(t, d.ID(), out.ID(), "%s codec changed the identifier", codec)
				assert.True(t, d.Equal(out), "%s codec: got %s want %s", codec, out, d)
			}
			assert.True(t, got["text"].Equal(got["rank"]), "codecs disagree")
		})
	}
}

func TestRoundTrip_OpaqueKeepsHTMLCharacters(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	cat := newCatalog(t)
	state, err := device.Opaque([]byte(`{"expr":"a<b && c>d"}`))
	require.NoError(t, err)
	d, err := cat.NewDevice(device.NewIdentifier("script", device.TypeStatus, "brain"))
	require.NoError(t, err)
	d.MustSet("code", device.Int(1)).
		MustSet("message", device.String("")).
		MustSet("payload", device.Bytes(nil)).
		MustSet("state", state)

	// --- Act ---
	data, err := Encode([]*device.Device{d})
	require.NoError(t, err)
	out, err := Decode(data, cat)

	// --- Assert ---
	require.NoError(t, err)
	assert.Contains(t, string(data), `{"expr":"a<b && c>d"}`)
	require.Len(t, out, 1)
	assert.True(t, d.Equal(out[0]), "got %s want %s", out[0], d)
}

func TestInvalidUTF8IsRejectedBeforeEncoding(t *testing.T) {
	t.Parallel()

	cat := newCatalog(t)

	t.Run("identifier parts", func(t *testing.T) {
		for _, id := range []device.Identifier{
			device.NewIdentifier("cam\xff", device.TypeRawData, "physics"),
			device.NewIdentifier("cam", device.TypeRawData, "phys\xc3"),
		} {
			_, err := cat.NewDevice(id)
			assert.Error(t, err, "%q", id.String())
			_, err = EncodeIdentifiers([]device.Identifier{id})
			assert.Error(t, err, "%q", id.String())
		}
	})

	t.Run("string property", func(t *testing.T) {
		d, err := cat.NewDevice(device.NewIdentifier("s", device.TypeStatus, "physics"))
		require.NoError(t, err)
		assert.Error(t, d.Set("message", device.String("bad\xff")))
		_, set := d.Get("message")
		assert.False(t, set)
	})

	t.Run("opaque value", func(t *testing.T) {
		_, err := device.Opaque([]byte("\"\xff\""))
		assert.Error(t, err)
	})
}
