package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/slipway-sh/slipway/internal/core/deploy"
	"github.com/slipway-sh/slipway/internal/core/reference"
	"github.com/slipway-sh/slipway/internal/shell/deployer"
	"github.com/slipway-sh/slipway/internal/shell/docker"
	"github.com/slipway-sh/slipway/internal/shell/healthgate"
	"github.com/slipway-sh/slipway/internal/shell/ledger"
	"github.com/slipway-sh/slipway/internal/shell/proxy"
)

const deployUsage = `slipway deploy [REGISTRY REPOSITORY TAG]

The image reference comes from the three positional arguments, or from the
environment when no arguments are given:

  ECR_REGISTRY   (or SLIPWAY_REGISTRY)
  ECR_REPOSITORY (or SLIPWAY_REPOSITORY)
  IMAGE_TAG      (or SLIPWAY_TAG)`

func newDeployCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy [REGISTRY REPOSITORY TAG]",
		Short: "Deploy an image with a blue/green swap",
		Long: `Deploy pulls the given image, starts it on a staging port, waits for it
to pass its readiness probe, atomically swaps the proxy upstream, retires
the previous container, and records both in the deployment ledger.

Intended to be the single deploy step of a CI pipeline.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Validate the reference before touching the runtime: a usage
			// error must change no container state at all.
			registry, repository, tag, err := resolveImageArgs(args, os.Getenv)
			if err != nil {
				return err
			}

			ref, err := reference.Resolve(registry, repository, tag)
			if err != nil {
				return err
			}

			svc, err := buildServices(opts.configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.deployer.Deploy(cmd.Context(), ref)
			if err != nil {
				return err
			}

			if result.NoOp {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already active, nothing to do\n", ref)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployed %s (container %s, port %d)\n",
				ref, deploy.ShortID(result.Record.ContainerID), result.Record.HostPort)
			return nil
		},
	}
}

// resolveImageArgs yields the image coordinates from positional arguments or,
// when none are given, from the environment. Missing values are a usage
// error naming every absent variable.
func resolveImageArgs(args []string, getenv func(string) string) (registry, repository, tag string, err error) {
	switch len(args) {
	case 3:
		return args[0], args[1], args[2], nil
	case 0:
		// fall through to environment lookup
	default:
		return "", "", "", fmt.Errorf("%w: deploy expects no arguments or exactly three\n\n%s", errUsage, deployUsage)
	}

	registry = firstEnv(getenv, "ECR_REGISTRY", "SLIPWAY_REGISTRY")
	repository = firstEnv(getenv, "ECR_REPOSITORY", "SLIPWAY_REPOSITORY")
	tag = firstEnv(getenv, "IMAGE_TAG", "SLIPWAY_TAG")

	var missing []string
	if registry == "" {
		missing = append(missing, "ECR_REGISTRY")
	}
	if repository == "" {
		missing = append(missing, "ECR_REPOSITORY")
	}
	if tag == "" {
		missing = append(missing, "IMAGE_TAG")
	}
	if len(missing) > 0 {
		return "", "", "", fmt.Errorf("%w: missing %s\n\n%s", errUsage, strings.Join(missing, ", "), deployUsage)
	}
	return registry, repository, tag, nil
}

func firstEnv(getenv func(string) string, names ...string) string {
	for _, name := range names {
		if v := getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// =============================================================================
// Service Wiring
// =============================================================================

// services bundles the wired collaborators of a one-shot command.
type services struct {
	config   *Config
	logger   *slog.Logger
	runtime  *docker.DockerClient
	ledger   *ledger.SQLiteLedger
	deployer *deployer.Deployer
}

func buildServices(configPath string) (*services, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := SetupLogger(cfg)

	runtime, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}

	led, err := ledger.NewSQLiteLedger(cfg.Ledger.Path)
	if err != nil {
		runtime.Close()
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	gate := healthgate.New(runtime, logger)
	cutover := proxy.NewAdminClient(cfg.Proxy.AdminAddress)
	d := deployer.New(runtime, gate, led, cutover, cfg.DeployerConfig(), logger)

	return &services{
		config:   cfg,
		logger:   logger,
		runtime:  runtime,
		ledger:   led,
		deployer: d,
	}, nil
}

func (s *services) Close() {
	if err := s.ledger.Close(); err != nil {
		s.logger.Warn("failed to close ledger", "error", err)
	}
	if err := s.runtime.Close(); err != nil {
		s.logger.Warn("failed to close docker client", "error", err)
	}
}
