package launcher

import (
	"context"
	"maps"

	"github.com/vk/lockstep/internal/config"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/engine"
)

// Environment variables passed to every started engine process.
const (
	EnvEngine  = "LOCKSTEP_ENGINE"
	EnvAddress = "LOCKSTEP_ADDRESS"
	EnvRank    = "LOCKSTEP_RANK"
	EnvRankURL = "LOCKSTEP_RANK_URL"
)

// Launcher starts engines of one type and connects their transport.
type Launcher interface {
	// EngineType is the name engines use to select this launcher.
	EngineType() string
	// Launch starts the engine described by cfg, using the process strategy
	// it names, and returns its connected transport. A failed launch
	// leaves no process running.
	Launch(ctx context.Context, cfg *config.Engine, catalog *device.Catalog) (engine.Connection, error)
}

// processEnv returns the engine's configured environment plus extra.
func processEnv(cfg *config.Engine, extra map[string]string) map[string]string {
	env := make(map[string]string, len(cfg.Env)+len(extra)+1)
	maps.Copy(env, cfg.Env)
	env[EnvEngine] = cfg.Name
	maps.Copy(env, extra)
	return env
}
