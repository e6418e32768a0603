// Command stubengine is a minimal engine for trying out and testing the
// orchestrator. It serves any of the built-in transports and publishes a
// "counter" status device that counts completed steps.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vk/lockstep/internal/ctxlog"
	"github.com/vk/lockstep/internal/device"
	"github.com/vk/lockstep/internal/launcher"
	"github.com/vk/lockstep/internal/transport/grpcwire"
	"github.com/vk/lockstep/internal/transport/jsonl"
	"github.com/vk/lockstep/internal/transport/rank"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newCommand(os.Getenv, os.Stdin, os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newCommand(getenv func(string) string, in io.Reader, out, errOut io.Writer) *cobra.Command {
	var protocol, logLevel string
	cmd := &cobra.Command{
		Use:           "stubengine",
		Short:         "A minimal engine speaking the lockstep transports",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid log-level: %w", err)
			}
			// stdout may be the jsonl channel, so logs always go to stderr.
			logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))
			ctx := ctxlog.WithLogger(cmd.Context(), logger)
			return serve(ctx, protocol, getenv, in, out)
		},
	}
	cmd.SetOut(errOut)
	cmd.SetErr(errOut)
	cmd.Flags().StringVar(&protocol, "protocol", "jsonl", "transport to serve (jsonl|grpc|rank)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "logging level (debug|info|warn|error)")
	return cmd
}

// serve runs one engine session over protocol until the orchestrator asks
// it to shut down. Addresses come from the launcher's environment.
func serve(ctx context.Context, protocol string, getenv func(string) string, in io.Reader, out io.Writer) error {
	name := getenv(launcher.EnvEngine)
	if name == "" {
		name = "stub"
	}
	catalog, err := device.NewCatalog()
	if err != nil {
		return err
	}
	impl := newStubEngine(ctx, name, catalog)
	logger := ctxlog.FromContext(ctx).With("engine", name, "protocol", protocol)

	switch protocol {
	case "jsonl":
		address := getenv(launcher.EnvAddress)
		if address == "" {
			logger.Debug("Serving on standard streams.")
			return jsonl.Serve(ctx, in, out, impl, catalog)
		}
		lis, err := net.Listen("tcp", address)
		if err != nil {
			return err
		}
		defer lis.Close()
		logger.Debug("Waiting for the orchestrator.", "address", lis.Addr().String())
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		defer conn.Close()
		return jsonl.Serve(ctx, conn, conn, impl, catalog)

	case "grpc":
		address := getenv(launcher.EnvAddress)
		if address == "" {
			return fmt.Errorf("the grpc transport needs %s", launcher.EnvAddress)
		}
		lis, err := net.Listen("tcp", address)
		if err != nil {
			return err
		}
		return grpcwire.Serve(ctx, lis, impl)

	case "rank":
		r, err := strconv.Atoi(getenv(launcher.EnvRank))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", launcher.EnvRank, err)
		}
		comm, err := rank.Dial(ctx, getenv(launcher.EnvRankURL), r)
		if err != nil {
			return err
		}
		defer comm.Close()
		logger.Debug("Joined rank world.", "rank", r)
		return rank.Serve(ctx, comm, impl, catalog)

	default:
		return fmt.Errorf("unknown protocol %q", protocol)
	}
}
