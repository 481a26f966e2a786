package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "slipway",
		Short: "Single-host blue/green container deployments",
		Long: `Slipway deploys one container image per host with zero downtime:
it pulls the image, starts it on a staging port, gates it on a readiness
probe, atomically swaps the reverse proxy upstream, and retires the
previous container. A failed gate rolls back automatically.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	root.AddCommand(
		newDeployCommand(opts),
		newServeCommand(opts),
		newStatusCommand(opts),
		newRollbackCommand(opts),
		newVersionCommand(),
	)

	return root
}
