package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vk/lockstep/internal/config"
	"github.com/vk/lockstep/internal/hcl"
	"github.com/vk/lockstep/internal/yamlconf"
)

// loaderFor picks the configuration loader from the file extensions. YAML
// is used only when every path is a YAML file; directories are read as HCL.
func loaderFor(paths []string) (config.Loader, error) {
	yaml := 0
	for _, p := range paths {
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yaml", ".yml":
			yaml++
		}
	}
	switch yaml {
	case 0:
		return hcl.NewLoader(), nil
	case len(paths):
		return yamlconf.NewLoader(), nil
	default:
		return nil, fmt.Errorf("cannot mix YAML and HCL configuration files")
	}
}

func loadModel(ctx context.Context, paths []string) (*config.Model, error) {
	loader, err := loaderFor(paths)
	if err != nil {
		return nil, err
	}
	model, err := loader.Load(ctx, paths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := config.Validate(model); err != nil {
		return nil, err
	}
	return model, nil
}
