package cli

import (
	"github.com/spf13/cobra"
	"github.com/vk/lockstep/internal/app"
	"github.com/vk/lockstep/internal/controlplane"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		listen  string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "serve <config>...",
		Short: "Initialize a simulation and control it over the control-plane",
		Long: `Serve launches and initializes every engine, then waits for a supervising
process to drive the simulation over the control-plane. With --listen "-"
the control-plane uses standard input and output and logs go to standard
error.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.config(args, func(c *app.Config) {
				c.ControlListen = listen
				c.Workers = workers
			})
			if err != nil {
				return err
			}
			a, err := newApp(rootOpts, cfg)
			if err != nil {
				return err
			}
			if err := a.Serve(cmd.Context(), rootOpts.streams.In, cmd.OutOrStdout()); err != nil {
				return runError(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "-", `control-plane TCP address, or "-" for standard streams`)
	cmd.Flags().IntVar(&workers, "workers", controlplane.DefaultWorkers, "control-plane request workers")
	return cmd
}
