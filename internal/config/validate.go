package config

import (
	"encoding/json"
	"fmt"

	"github.com/vk/lockstep/internal/simerr"
	"go.uber.org/multierr"
)

// Validate reports every configuration error in m at once. The returned
// error matches simerr.ErrConfiguration.
func Validate(m *Model) error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if m.Simulation.TimeStep <= 0 {
		add("simulation %q: timestep must be positive, got %s", m.Simulation.Name, m.Simulation.TimeStep)
	}
	if m.Simulation.Timeout < 0 {
		add("simulation %q: timeout must not be negative, got %s", m.Simulation.Name, m.Simulation.Timeout)
	}
	if len(m.Engines) == 0 {
		add("no engines configured")
	}

	engines := make(map[string]bool, len(m.Engines))
	for i, e := range m.Engines {
		switch {
		case e.Name == "":
			add("engine #%d: missing name", i)
			continue
		case engines[e.Name]:
			add("engine %q: declared more than once", e.Name)
		}
		engines[e.Name] = true
		if e.Type == "" {
			add("engine %q: missing type", e.Name)
		}
		if e.CommandTimeout < 0 {
			add("engine %q: command_timeout must not be negative", e.Name)
		}
		if len(e.Settings) > 0 && !json.Valid(e.Settings) {
			add("engine %q: settings are not valid JSON", e.Name)
		}
	}

	catalog, err := m.Catalog()
	if err != nil {
		add("device types: %w", err)
	}

	pushed := make(map[string]map[string]string)
	for i, l := range m.Links {
		where := fmt.Sprintf("link #%d (%s)", i, l.Device)
		if l.Device == "" {
			add("link #%d: missing device", i)
		}
		if catalog != nil {
			if _, ok := catalog.Lookup(l.Type); !ok {
				add("%s: unknown device type %q", where, l.Type)
			}
		}
		if !engines[l.From] {
			add("%s: unknown source engine %q", where, l.From)
		}
		if len(l.To) == 0 {
			add("%s: no destination engines", where)
		}
		for _, to := range l.To {
			switch {
			case !engines[to]:
				add("%s: unknown destination engine %q", where, to)
			case to == l.From:
				add("%s: engine %q cannot feed itself", where, to)
			}
			if pushed[to] == nil {
				pushed[to] = make(map[string]string)
			}
			if prev, dup := pushed[to][l.Device]; dup && prev != l.From {
				add("%s: engine %q already receives a device named %q from %q", where, to, l.Device, prev)
			}
			pushed[to][l.Device] = l.From
		}
	}

	if errs != nil {
		return simerr.New(simerr.KindConfiguration, "", "validate", errs)
	}
	return nil
}
