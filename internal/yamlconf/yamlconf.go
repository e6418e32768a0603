// Package yamlconf implements config.Loader for YAML files. It accepts the
// same structure as the HCL form, with engines, device types and links as
// lists.
package yamlconf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/vk/lockstep/internal/config"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/fsutil"
	"github.com/vk/lockstep/internal/simerr"
	"gopkg.in/yaml.v3"
)

type document struct {
	Plugins     []string     `yaml:"plugins"`
	NotifyURL   string       `yaml:"notify_url"`
	Simulation  *simulation  `yaml:"simulation"`
	DeviceTypes []deviceType `yaml:"device_types"`
	Engines     []engine     `yaml:"engines"`
	Links       []link       `yaml:"links"`
}

type simulation struct {
	Name     string        `yaml:"name"`
	TimeStep time.Duration `yaml:"timestep"`
	Timeout  time.Duration `yaml:"timeout"`
}

type deviceType struct {
	Name       string     `yaml:"name"`
	Properties []property `yaml:"properties"`
}

type property struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Length   int    `yaml:"length"`
	Required *bool  `yaml:"required"`
}

type engine struct {
	Name           string            `yaml:"name"`
	Type           string            `yaml:"type"`
	LaunchCommand  string            `yaml:"launch_command"`
	Command        string            `yaml:"command"`
	Args           []string          `yaml:"args"`
	Env            map[string]string `yaml:"env"`
	Address        string            `yaml:"address"`
	CommandTimeout time.Duration     `yaml:"command_timeout"`
	Settings       map[string]any    `yaml:"settings"`
}

type link struct {
	Device string   `yaml:"device"`
	Type   string   `yaml:"type"`
	From   string   `yaml:"from"`
	To     []string `yaml:"to"`
}

// Loader reads YAML configuration files.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

func NewLoader() *Loader { return &Loader{} }

// Load decodes each file in order; directories contribute their YAML files
// in lexical order. Later files append engines, device
// types and links; exactly one file must define the simulation.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	files, err := fsutil.ExpandPaths(paths, ".yaml", ".yml")
	if err != nil {
		return nil, simerr.New(simerr.KindConfiguration, "", "load", err)
	}
	if len(files) == 0 {
		return nil, simerr.Newf(simerr.KindConfiguration, "", "load", "no YAML files found in %v", paths)
	}

	model := &config.Model{}
	var sims int

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, simerr.New(simerr.KindConfiguration, "", "load", err)
		}
		var doc document
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, simerr.New(simerr.KindConfiguration, "", "load", fmt.Errorf("%s: %w", path, err))
		}
		if err := merge(model, &doc); err != nil {
			return nil, simerr.New(simerr.KindConfiguration, "", "load", fmt.Errorf("%s: %w", path, err))
		}
		if doc.Simulation != nil {
			sims++
		}
		logger.Debug("Loaded YAML configuration.", "file", path, "engines", len(doc.Engines))
	}
	if sims != 1 {
		return nil, simerr.Newf(simerr.KindConfiguration, "", "load", "expected exactly one simulation section, found %d", sims)
	}
	return model, nil
}

func merge(model *config.Model, doc *document) error {
	model.Plugins = append(model.Plugins, doc.Plugins...)
	if doc.NotifyURL != "" {
		model.NotifyURL = doc.NotifyURL
	}
	if s := doc.Simulation; s != nil {
		model.Simulation = config.Simulation{Name: s.Name, TimeStep: s.TimeStep, Timeout: s.Timeout}
	}
	for _, dt := range doc.DeviceTypes {
		out := &config.DeviceType{Name: dt.Name}
		for _, p := range dt.Properties {
			out.Properties = append(out.Properties, config.Property{
				Name:     p.Name,
				Kind:     p.Kind,
				Length:   p.Length,
				Optional: p.Required != nil && !*p.Required,
			})
		}
		model.DeviceTypes = append(model.DeviceTypes, out)
	}
	for _, e := range doc.Engines {
		out := &config.Engine{
			Name:           e.Name,
			Type:           e.Type,
			LaunchCommand:  e.LaunchCommand,
			Command:        e.Command,
			Args:           e.Args,
			Env:            e.Env,
			Address:        e.Address,
			CommandTimeout: e.CommandTimeout,
		}
		if e.Settings != nil {
			raw, err := json.Marshal(e.Settings)
			if err != nil {
				return fmt.Errorf("engine %q: settings: %w", e.Name, err)
			}
			out.Settings = raw
		}
		model.Engines = append(model.Engines, out)
	}
	for _, lk := range doc.Links {
		model.Links = append(model.Links, &config.Link{Device: lk.Device, Type: lk.Type, From: lk.From, To: lk.To})
	}
	return nil
}
