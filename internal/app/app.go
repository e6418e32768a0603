package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/vk/lockstep/internal/config"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/launcher"
	"github.com/vk/lockstep/internal/manager"
	"github.com/vk/lockstep/internal/metrics"
	"github.com/vk/lockstep/internal/notify"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	logger   *slog.Logger
	config   *Config
	model    *config.Model
	registry *launcher.Registry
	metrics  *metrics.Collector
	relay    *relay
	manager  *manager.Manager

	httpServer *http.Server
}

// NewApp loads and validates the configuration and registers every engine
// launcher. Logs go to logW.
func NewApp(logW io.Writer, appConfig *Config, extra ...launcher.Launcher) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, logW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	model, err := loadModel(ctx, appConfig.ConfigPaths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Configuration loaded.", "simulation", model.Simulation.Name, "engines", len(model.Engines))

	reg := launcher.New()
	for _, l := range extra {
		if err := reg.Register(ctx, l); err != nil {
			return nil, err
		}
	}
	launcher.RegisterBuiltins(ctx, reg, appConfig.RankListen)
	plugins := append(append([]string(nil), model.Plugins...), appConfig.PluginPaths...)
	reg.LoadPlugins(ctx, plugins)
	logger.Debug("Engine launchers registered.", "types", reg.Types())

	collector := metrics.NewCollector("lockstep")
	r := &relay{}
	return &App{
		logger:   logger,
		config:   appConfig,
		model:    model,
		registry: reg,
		metrics:  collector,
		relay:    r,
		manager: manager.New(reg,
			manager.WithObserver(collector),
			manager.WithNotifier(collector),
			manager.WithNotifier(r),
		),
	}, nil
}

// Manager returns the application's simulation manager.
func (a *App) Manager() *manager.Manager {
	return a.manager
}

// Model returns the loaded configuration.
func (a *App) Model() *config.Model {
	return a.model
}

// relay forwards status to the socket.io publisher once one is connected.
type relay struct {
	target atomic.Pointer[notify.Publisher]
}

func (r *relay) Publish(ctx context.Context, s manager.Status) {
	if p := r.target.Load(); p != nil {
		p.Publish(ctx, s)
	}
}
