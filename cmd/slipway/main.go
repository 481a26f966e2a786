package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/slipway-sh/slipway/internal/shell/deployer"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)

	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}

	// The failing stage and the probe's last observation go to stderr so
	// CI logs show why the pipeline stopped.
	var stageErr *deployer.StageError
	if errors.As(err, &stageErr) {
		fmt.Fprintf(os.Stderr, "error: deploy failed at stage %q: %v\n", stageErr.Stage, stageErr.Err)
		if stageErr.Observation != "" {
			fmt.Fprintf(os.Stderr, "last observation: %s\n", stageErr.Observation)
		}
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}

	return exitCodeFor(err)
}
