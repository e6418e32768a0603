package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vk/lockstep/internal/app"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "run <config>...",
		Short: "Run a simulation to its timeout or for a number of steps",
		Long: `Run loads the configuration (.hcl files or directories, or .yaml files),
launches every engine and advances the simulation until its timeout, or for
exactly --steps ticks. A summary is printed when the run ends.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.config(args, func(c *app.Config) { c.Steps = steps })
			if err != nil {
				return err
			}
			a, err := newApp(rootOpts, cfg)
			if err != nil {
				return err
			}

			final, err := a.Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "simulation %q: %d ticks, sim time %s\n", final.Simulation, final.Ticks, final.SimTime)
			for _, e := range final.Engines {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-16s %-12s %s\n", e.Name, e.State, e.EngineTime)
			}
			if err != nil {
				return runError(err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "run exactly this many ticks instead of until the timeout")
	return cmd
}
