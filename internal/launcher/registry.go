package launcher

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/simerr"
)

// Registry holds at most one Launcher per engine type.
type Registry struct {
	mu        sync.RWMutex
	launchers []Launcher
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Register adds l unless its engine type is already taken, in which case
// the existing launcher is kept, a warning is logged and a
// DuplicateRegistration error is returned for callers that care.
func (r *Registry) Register(ctx context.Context, l Launcher) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	typ := l.EngineType()
	for _, existing := range r.launchers {
		if existing.EngineType() == typ {
			ctxlog.FromContext(ctx).Warn("Launcher already registered; keeping the first one.", "engine_type", typ)
			return simerr.Newf(simerr.KindDuplicateRegistration, "", "register", "engine type %q is already registered", typ)
		}
	}
	ctxlog.FromContext(ctx).Debug("Registering launcher.", "engine_type", typ)
	r.launchers = append(r.launchers, l)
	return nil
}

// Find returns the launcher for engineType. Registries are small, so this
// is a linear scan.
func (r *Registry) Find(engineType string) (Launcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.launchers {
		if l.EngineType() == engineType {
			return l, nil
		}
	}
	return nil, simerr.Newf(simerr.KindNotFound, "", "find launcher", "no launcher for engine type %q", engineType)
}

// Types lists the registered engine types in registration order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.launchers))
	for i, l := range r.launchers {
		out[i] = l.EngineType()
	}
	return out
}

// Close releases launchers that hold shared resources.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, l := range r.launchers {
		if c, ok := l.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
