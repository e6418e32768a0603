package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/simerr"
)

func validModel() *Model {
	return &Model{
		Simulation: Simulation{Name: "demo", TimeStep: 10 * time.Millisecond},
		DeviceTypes: []*DeviceType{{
			Name: "sensor",
			Properties: []Property{
				{Name: "count", Kind: "int"},
				{Name: "pose", Kind: "array", Length: 3},
			},
		}},
		Engines: []*Engine{
			{Name: "physics", Type: "json_lines", Settings: []byte(`{"world":"empty"}`)},
			{Name: "brain", Type: "grpc"},
		},
		Links: []*Link{{Device: "counter", Type: "sensor", From: "physics", To: []string{"brain"}}},
	}
}

func TestValidate_AcceptsValidModel(t *testing.T) {
	t.Parallel()
	m := validModel()
	require.NoError(t, Validate(m))

	cat, err := m.Catalog()
	require.NoError(t, err)
	s, ok := cat.Lookup("sensor")
	require.True(t, ok)
	assert.Len(t, s.Properties, 2)
	assert.Equal(t, device.NewIdentifier("counter", "sensor", "physics"), m.Links[0].Source())
	assert.Same(t, m.Engines[1], m.Engine("brain"))
	assert.Nil(t, m.Engine("nope"))
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	m := validModel()
	m.Simulation.TimeStep = 0
	m.Simulation.Timeout = -time.Second
	m.Engines = append(m.Engines,
		&Engine{Name: "physics", Type: "json_lines"},
		&Engine{Name: "nameless-type"},
		&Engine{Name: "broken", Type: "grpc", Settings: []byte("{")},
	)
	m.DeviceTypes = append(m.DeviceTypes, &DeviceType{Name: "bad", Properties: []Property{{Name: "x", Kind: "quaternion"}}})
	m.Links = append(m.Links,
		&Link{Device: "ghost", Type: "sensor", From: "nowhere", To: []string{"brain"}},
		&Link{Device: "loop", Type: "status", From: "brain", To: []string{"brain"}},
	)

	// --- Act ---
	err := Validate(m)

	// --- Assert ---
	require.ErrorIs(t, err, simerr.ErrConfiguration)
	for _, want := range []string{
		"timestep must be positive",
		"timeout must not be negative",
		`engine "physics": declared more than once`,
		`engine "nameless-type": missing type`,
		`engine "broken": settings are not valid JSON`,
		"unknown property kind",
		`unknown source engine "nowhere"`,
		"cannot feed itself",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_DuplicateDeviceNameIntoOneEngine(t *testing.T) {
	t.Parallel()

	m := validModel()
	m.Engines = append(m.Engines, &Engine{Name: "vision", Type: "rank"})
	m.Links = append(m.Links, &Link{Device: "counter", Type: "sensor", From: "vision", To: []string{"brain"}})

	err := Validate(m)
	require.ErrorIs(t, err, simerr.ErrConfiguration)
	assert.Contains(t, err.Error(), `already receives a device named "counter"`)
}
