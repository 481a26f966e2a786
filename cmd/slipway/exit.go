package main

import (
	"errors"

	"github.com/slipway-sh/slipway/internal/core/deploy"
	"github.com/slipway-sh/slipway/internal/core/reference"
)

// =============================================================================
// Exit Codes
// =============================================================================

// Exit codes are a contract with CI pipelines: callers branch on them.
const (
	// ExitSuccess: the deploy succeeded and the new container is serving.
	ExitSuccess = 0

	// ExitUsage: usage or validation error, or another deploy holds the
	// single-flight lock. No container state was changed.
	ExitUsage = 1

	// ExitPullStart: image pull or container start failed. No cutover was
	// attempted; production traffic is untouched.
	ExitPullStart = 2

	// ExitHealthRollback: the new container failed its health gate and was
	// rolled back automatically. The previous deployment keeps serving.
	ExitHealthRollback = 3

	// ExitInternal: unexpected or ledger failure. Durable state may need
	// manual inspection.
	ExitInternal = 4
)

// errUsage marks command-line usage errors (missing arguments, bad flags).
var errUsage = errors.New("usage error")

// exitCodeFor maps an error to its contract exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, errUsage),
		errors.Is(err, reference.ErrInvalidReference),
		errors.Is(err, deploy.ErrDeploymentInProgress),
		errors.Is(err, deploy.ErrNoPreviousRecord):
		return ExitUsage
	case errors.Is(err, deploy.ErrPullFailed),
		errors.Is(err, deploy.ErrStartFailed):
		return ExitPullStart
	case errors.Is(err, deploy.ErrHealthCheckFailed):
		return ExitHealthRollback
	default:
		return ExitInternal
	}
}
