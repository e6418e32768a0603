package hcl

import (
	"context"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/lockstep/internal/config"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/fsutil"
	"github.com/vk/lockstep/internal/simerr"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new HCL configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file under paths and merges the blocks into one
// model. Exactly one simulation block must exist across all files.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	hclFiles, err := l.findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(hclFiles) == 0 {
		return nil, simerr.Newf(simerr.KindConfiguration, "", "load", "no .hcl files found in %v", paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(hclFiles))

	model := &config.Model{}
	parser := hclparse.NewParser()
	var sims int

	for _, file := range hclFiles {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, simerr.New(simerr.KindConfiguration, "", "load", fmt.Errorf("failed to parse HCL file %s: %w", file, diags))
		}

		var root fileRoot
		diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
		if diags.HasErrors() {
			return nil, simerr.New(simerr.KindConfiguration, "", "load", fmt.Errorf("failed to decode HCL file %s: %w", file, diags))
		}

		if err := l.merge(ctx, model, &root); err != nil {
			return nil, simerr.New(simerr.KindConfiguration, "", "load", fmt.Errorf("%s: %w", file, err))
		}
		sims += len(root.Simulations)
	}
	if sims != 1 {
		return nil, simerr.Newf(simerr.KindConfiguration, "", "load", "expected exactly one simulation block, found %d", sims)
	}

	logger.Debug("HCL loading complete.",
		"engines", len(model.Engines), "device_types", len(model.DeviceTypes), "links", len(model.Links))
	return model, nil
}

func (l *Loader) merge(ctx context.Context, model *config.Model, root *fileRoot) error {
	model.Plugins = append(model.Plugins, root.Plugins...)
	if root.NotifyURL != "" {
		model.NotifyURL = root.NotifyURL
	}
	for _, s := range root.Simulations {
		sim, err := translateSimulation(s)
		if err != nil {
			return err
		}
		model.Simulation = sim
	}
	for _, dt := range root.DeviceTypes {
		model.DeviceTypes = append(model.DeviceTypes, translateDeviceType(dt))
	}
	for _, e := range root.Engines {
		eng, err := translateEngine(ctx, e)
		if err != nil {
			return err
		}
		model.Engines = append(model.Engines, eng)
	}
	for _, lk := range root.Links {
		model.Links = append(model.Links, &config.Link{Device: lk.Device, Type: lk.Type, From: lk.From, To: lk.To})
	}
	return nil
}

// findAllHCLFiles walks all given paths and returns a flat list of all .hcl files found.
func (l *Loader) findAllHCLFiles(paths []string) ([]string, error) {
	files, err := fsutil.ExpandPaths(paths, ".hcl")
	if err != nil {
		return nil, simerr.New(simerr.KindConfiguration, "", "load", err)
	}
	return files, nil
}
