package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/slipway-sh/slipway/internal/core/deploy"
	"github.com/slipway-sh/slipway/internal/shell/deployer"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current deployment state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices(opts.configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			st, err := svc.deployer.Status(cmd.Context())
			if err != nil {
				return err
			}

			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st *deployer.Status) {
	if st.Active == nil {
		fmt.Fprintln(w, "active:   none (fresh host)")
	} else {
		running := "stopped"
		if st.ContainerRunning {
			running = "running"
		}
		fmt.Fprintf(w, "active:   %s (container %s, port %d, %s, deployed %s)\n",
			st.Active.Ref,
			deploy.ShortID(st.Active.ContainerID),
			st.Active.HostPort,
			running,
			st.Active.StartedAt.Format("2006-01-02 15:04:05 MST"),
		)
	}

	if st.Previous == nil {
		fmt.Fprintln(w, "previous: none")
	} else {
		fmt.Fprintf(w, "previous: %s\n", st.Previous.Ref)
	}

	if st.Upstream != "" {
		fmt.Fprintf(w, "upstream: %s\n", st.Upstream)
	} else {
		fmt.Fprintln(w, "upstream: none (proxy not serving or not running)")
	}
}
