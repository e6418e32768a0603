package launcher

import (
	"context"
	"fmt"
	"plugin"

	"github.com/vk/lockstep/internal/ctxlog"
)

// FactorySymbol is the function every launcher plugin exports. Its type
// must be func() launcher.Launcher.
const FactorySymbol = "NewEngineLauncher"

// opener is replaced in tests.
var opener = func(path string) (symbolLookup, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type symbolLookup interface {
	Lookup(name string) (plugin.Symbol, error)
}

// LoadPlugin opens the shared object at path and returns the launcher its
// factory creates.
func LoadPlugin(path string) (Launcher, error) {
	p, err := opener(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	sym, err := p.Lookup(FactorySymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", path, err)
	}
	factory, ok := sym.(func() Launcher)
	if !ok {
		return nil, fmt.Errorf("plugin %s: %s has type %T, want func() launcher.Launcher", path, FactorySymbol, sym)
	}
	l := factory()
	if l == nil {
		return nil, fmt.Errorf("plugin %s: factory returned no launcher", path)
	}
	return l, nil
}

// LoadPlugins registers the launcher of every plugin in paths. A plugin that
// fails to load is logged and skipped; the names of the loaded ones are
// returned.
func (r *Registry) LoadPlugins(ctx context.Context, paths []string) []string {
	logger := ctxlog.FromContext(ctx)
	var loaded []string
	for _, path := range paths {
		l, err := LoadPlugin(path)
		if err != nil {
			logger.Warn("Skipping launcher plugin.", "path", path, "error", err)
			continue
		}
		if err := r.Register(ctx, l); err != nil {
			continue
		}
		logger.Info("Loaded launcher plugin.", "path", path, "engine_type", l.EngineType())
		loaded = append(loaded, l.EngineType())
	}
	return loaded
}
