package hcl

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/lockstep/internal/config"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func translateSimulation(s *simulation) (config.Simulation, error) {
	step, err := parseDuration("timestep", s.TimeStep)
	if err != nil {
		return config.Simulation{}, fmt.Errorf("simulation %q: %w", s.Name, err)
	}
	timeout, err := parseDuration("timeout", s.Timeout)
	if err != nil {
		return config.Simulation{}, fmt.Errorf("simulation %q: %w", s.Name, err)
	}
	return config.Simulation{Name: s.Name, TimeStep: step, Timeout: timeout}, nil
}

// translateDeviceType maps the block onto the model. Properties are
// required unless they say otherwise.
func translateDeviceType(dt *deviceType) *config.DeviceType {
	out := &config.DeviceType{Name: dt.Name, Properties: make([]config.Property, len(dt.Properties))}
	for i, p := range dt.Properties {
		out.Properties[i] = config.Property{
			Name:     p.Name,
			Kind:     p.Kind,
			Length:   p.Length,
			Optional: p.Required != nil && !*p.Required,
		}
	}
	return out
}

func translateEngine(ctx context.Context, e *engine) (*config.Engine, error) {
	logger := ctxlog.FromContext(ctx).With("engine", e.Name)

	timeout, err := parseDuration("command_timeout", e.CommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("engine %q: %w", e.Name, err)
	}
	out := &config.Engine{
		Name:           e.Name,
		Type:           e.Type,
		LaunchCommand:  e.LaunchCommand,
		Command:        e.Command,
		Args:           e.Args,
		Env:            e.Env,
		Address:        e.Address,
		CommandTimeout: timeout,
	}
	if e.Settings != nil {
		raw, err := settingsJSON(e.Settings.Body)
		if err != nil {
			return nil, fmt.Errorf("engine %q: settings: %w", e.Name, err)
		}
		out.Settings = raw
		logger.Debug("Translated engine settings.", "bytes", len(raw))
	}
	return out, nil
}

// settingsJSON evaluates every attribute of body without variables and
// encodes the resulting object as JSON.
func settingsJSON(body hcl.Body) ([]byte, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	vals := make(map[string]cty.Value, len(attrs))
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, diags
		}
		vals[name] = v
	}
	obj := cty.EmptyObjectVal
	if len(vals) > 0 {
		obj = cty.ObjectVal(vals)
	}
	return ctyjson.Marshal(obj, obj.Type())
}
