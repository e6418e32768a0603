package device

import (
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifier_OrderingUsesAllFields(t *testing.T) {
	t.Parallel()

	ids := []Identifier{
		NewIdentifier("cam", "raw_data", "physics"),
		NewIdentifier("cam", "joint", "physics"),
		NewIdentifier("cam", "joint", "brain"),
		NewIdentifier("arm", "joint", "physics"),
	}
	slices.SortFunc(ids, Identifier.Compare)

	require.Equal(t, []Identifier{
		NewIdentifier("arm", "joint", "physics"),
		NewIdentifier("cam", "joint", "brain"),
		NewIdentifier("cam", "joint", "physics"),
		NewIdentifier("cam", "raw_data", "physics"),
	}, ids)
	assert.NotEqual(t, ids[1], ids[2], "same name on different engines must differ")
	assert.True(t, ids[0].Less(ids[1]))
}

func TestDevice_SetChecksKindAndLength(t *testing.T) {
	t.Parallel()

	cat, err := NewCatalog()
	require.NoError(t, err)
	d, err := cat.NewDevice(NewIdentifier("base", TypeLink, "physics"))
	require.NoError(t, err)

	require.Error(t, d.Set("position", Float(1)))
	require.Error(t, d.Set("position", Array(1, 2)))
	require.Error(t, d.Set("nope", Float(1)))
	require.NoError(t, d.Set("position", Array(1, 2, 3)))

	v, ok := d.Get("position")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, v.AsFloats())
	assert.ElementsMatch(t, []string{"orientation", "linear_velocity", "angular_velocity"}, d.Missing())
	assert.Error(t, d.Complete())
}

func TestDevice_EqualAndClone(t *testing.T) {
	t.Parallel()

	cat, err := NewCatalog()
	require.NoError(t, err)
	d, err := cat.NewDevice(NewIdentifier("s", TypeStatus, "e"))
	require.NoError(t, err)
	d.MustSet("code", Int(7)).MustSet("message", String("ok")).MustSet("payload", Bytes([]byte{1, 2}))

	c := d.Clone()
	require.True(t, d.Equal(c))
	c.MustSet("code", Int(8))
	require.False(t, d.Equal(c))
}

func TestValue_FloatEqualityIsBitwise(t *testing.T) {
	t.Parallel()
	nan := math.NaN()
	assert.True(t, Float(nan).Equal(Float(nan)))
	assert.False(t, Float(0).Equal(Float(math.Copysign(0, -1))))
	assert.False(t, Int(1).Equal(Float(1)))
}

func TestOpaque_CompactsJSON(t *testing.T) {
	t.Parallel()

	a, err := Opaque([]byte(`{ "x" : [1, 2] }`))
	require.NoError(t, err)
	b, err := OpaqueOf(map[string]any{"x": []int{1, 2}})
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	_, err = Opaque([]byte(`{broken`))
	assert.Error(t, err)
}

func TestSchema_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSchema("x", PropertySpec{Name: "a", Kind: KindInt}, PropertySpec{Name: "a", Kind: KindInt})
	assert.Error(t, err)
	_, err = NewSchema("x", PropertySpec{Name: "type", Kind: KindInt})
	assert.Error(t, err)
	_, err = NewSchema("x", PropertySpec{Name: "v", Kind: KindArray})
	assert.Error(t, err)

	s := MustSchema("x",
		PropertySpec{Name: "i", Kind: KindInt},
		PropertySpec{Name: "s", Kind: KindString},
		PropertySpec{Name: "a", Kind: KindArray, Length: 2},
		PropertySpec{Name: "b", Kind: KindBytes},
	)
	assert.Equal(t, 2, s.VariableFields())
	assert.Equal(t, 8+16, s.FixedSize())
}

func TestCatalog_RegisterConflicts(t *testing.T) {
	t.Parallel()

	cat, err := NewCatalog()
	require.NoError(t, err)
	s := MustSchema("sensor", PropertySpec{Name: "count", Kind: KindInt})
	require.NoError(t, cat.Register(s))
	require.NoError(t, cat.Register(MustSchema("sensor", PropertySpec{Name: "count", Kind: KindInt})))
	require.Error(t, cat.Register(MustSchema("sensor", PropertySpec{Name: "count", Kind: KindFloat})))
	assert.Contains(t, cat.Types(), "sensor")
	assert.Contains(t, cat.Types(), TypeJoint)

	k, err := ParseKind("bytes")
	require.NoError(t, err)
	assert.Equal(t, KindBytes, k)
	_, err = ParseKind("invalid")
	assert.Error(t, err)
}
