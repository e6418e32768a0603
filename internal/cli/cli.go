package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vk/lockstep/internal/app"
	"github.com/vk/lockstep/internal/launcher"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(err error) error {
	return &ExitError{Code: 2, Message: err.Error()}
}

func runError(err error) error {
	return &ExitError{Code: 1, Message: err.Error()}
}

// Streams are the process's standard streams.
type Streams struct {
	In  io.ReadCloser
	Out io.Writer
	Err io.Writer
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	RankListen      string
	Plugins         []string

	streams   Streams
	launchers []launcher.Launcher
}

// config builds the app configuration from the global flags; apply sets the
// command-specific fields before validation.
func (o *RootOptions) config(paths []string, apply func(*app.Config)) (*app.Config, error) {
	raw := app.Config{
		ConfigPaths:     paths,
		PluginPaths:     o.Plugins,
		LogFormat:       o.LogFormat,
		LogLevel:        o.LogLevel,
		HealthcheckPort: o.HealthcheckPort,
		RankListen:      o.RankListen,
	}
	apply(&raw)
	cfg, err := app.NewConfig(raw)
	if err != nil {
		return nil, usageError(err)
	}
	return cfg, nil
}

// NewRootCommand creates the lockstep command tree. extra launchers are
// registered ahead of the built-in ones.
func NewRootCommand(streams Streams, extra ...launcher.Launcher) *cobra.Command {
	opts := &RootOptions{streams: streams, launchers: extra}

	cmd := &cobra.Command{
		Use:   "lockstep",
		Short: "Lockstep - a co-simulation engine orchestrator",
		Long: `Lockstep launches a set of simulation engines as separate processes and
advances them through simulated time in lockstep, exchanging device data
between them after every step.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.LogFormat = strings.ToLower(opts.LogFormat)
			if opts.LogFormat != "text" && opts.LogFormat != "json" {
				return usageError(errors.New("invalid log-format: must be 'text' or 'json'"))
			}
			opts.LogLevel = strings.ToLower(opts.LogLevel)
			switch opts.LogLevel {
			case "debug", "info", "warn", "error":
			default:
				return usageError(errors.New("invalid log-level: must be 'debug', 'info', 'warn', or 'error'"))
			}
			slog.Debug("CLI parameter validation complete.")
			return nil
		},
	}
	cmd.SetOut(streams.Out)
	cmd.SetErr(streams.Err)
	if streams.In != nil {
		cmd.SetIn(streams.In)
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log output format (text|json)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "logging level (debug|info|warn|error)")
	cmd.PersistentFlags().IntVar(&opts.HealthcheckPort, "healthcheck-port", 0, "port for the health, status and metrics server; 0 disables it")
	cmd.PersistentFlags().StringVar(&opts.RankListen, "rank-listen", "", "address of the rank hub; empty picks a free loopback port")
	cmd.PersistentFlags().StringSliceVar(&opts.Plugins, "plugin", nil, "launcher plugin to load (repeatable)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	return cmd
}

// Execute runs the command tree with args. Every returned error is an
// *ExitError.
func Execute(ctx context.Context, streams Streams, args []string, extra ...launcher.Launcher) error {
	cmd := NewRootCommand(streams, extra...)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	// Argument validation errors come from cobra itself.
	return usageError(err)
}

func newApp(opts *RootOptions, cfg *app.Config) (*app.App, error) {
	a, err := app.NewApp(opts.streams.Err, cfg, opts.launchers...)
	if err != nil {
		return nil, runError(fmt.Errorf("failed to start: %w", err))
	}
	return a, nil
}
