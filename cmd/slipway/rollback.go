package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRollbackCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Redeploy the previous deployment record",
		Long: `Rollback redeploys the ledger's previous record through the same gated
pipeline as a normal deploy: the old image still has to pass its readiness
probe before traffic is swapped back to it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices(opts.configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.deployer.Rollback(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "rolled back to %s (port %d)\n",
				result.Record.Ref, result.Record.HostPort)
			return nil
		},
	}
}
