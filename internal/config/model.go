package config

import (
	"time"

	"github.com/vk/lockstep/internal/device"
)

// Model is the whole configuration of one simulation.
type Model struct {
	Simulation  Simulation
	DeviceTypes []*DeviceType
	Engines     []*Engine
	Links       []*Link
	// Plugins are shared objects that contribute engine launchers.
	Plugins []string
	// NotifyURL, when set, receives simulation status events over socket.io.
	NotifyURL string
}

// Simulation holds the global clock settings.
type Simulation struct {
	Name     string
	TimeStep time.Duration
	// Timeout is in simulated time. Zero runs until stopped.
	Timeout time.Duration
}

// DeviceType declares a device layout in addition to the built-in types.
type DeviceType struct {
	Name       string
	Properties []Property
}

type Property struct {
	Name     string
	Kind     string
	Length   int
	Optional bool
}

// Engine describes one engine process and how to reach it.
type Engine struct {
	Name string
	// Type selects the launcher, e.g. "json_lines".
	Type string
	// LaunchCommand selects the process strategy, e.g. "basic_fork".
	LaunchCommand string
	Command       string
	Args          []string
	Env           map[string]string
	// Address is the transport endpoint for engines that listen.
	Address string
	// CommandTimeout bounds each step wait. Zero waits indefinitely.
	CommandTimeout time.Duration
	// Settings is the engine-specific JSON sent during initialization.
	Settings []byte
}

// Link routes the value of one output device to one or more engines after
// every tick.
type Link struct {
	Device string
	Type   string
	From   string
	To     []string
}

// Source returns the identifier of the linked device on its producer.
func (l *Link) Source() device.Identifier {
	return device.NewIdentifier(l.Device, l.Type, l.From)
}

// Engine returns the engine named name, or nil.
func (m *Model) Engine(name string) *Engine {
	for _, e := range m.Engines {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Catalog returns the built-in device types plus those declared in m.
func (m *Model) Catalog() (*device.Catalog, error) {
	schemas := make([]*device.Schema, 0, len(m.DeviceTypes))
	for _, dt := range m.DeviceTypes {
		s, err := dt.Schema()
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}
	return device.NewCatalog(schemas...)
}

// Schema converts the declaration into a device schema.
func (dt *DeviceType) Schema() (*device.Schema, error) {
	props := make([]device.PropertySpec, len(dt.Properties))
	for i, p := range dt.Properties {
		kind, err := device.ParseKind(p.Kind)
		if err != nil {
			return nil, err
		}
		props[i] = device.PropertySpec{Name: p.Name, Kind: kind, Length: p.Length, Optional: p.Optional}
	}
	return device.NewSchema(dt.Name, props...)
}
