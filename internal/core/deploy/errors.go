package deploy

import "errors"

// =============================================================================
// Error Taxonomy
// =============================================================================

// Every failure mode of a deployment transaction maps to exactly one of
// these sentinels. The CLI translates them to exit codes; nothing is ever
// reported through a suppressed exit status.
var (
	// ErrDeploymentInProgress is returned when a deploy request arrives
	// while another transaction holds the single-flight lock. The caller
	// should retry later; requests are never queued.
	ErrDeploymentInProgress = errors.New("deployment already in progress")

	// ErrPullFailed is returned when the image cannot be pulled. Nothing
	// has changed on the host; the attempt is safe to retry.
	ErrPullFailed = errors.New("image pull failed")

	// ErrStartFailed is returned when the new container cannot be created
	// or started. Production traffic is untouched.
	ErrStartFailed = errors.New("container start failed")

	// ErrHealthCheckFailed is returned when the health gate rejects the new
	// container. The new container has been rolled back and the previous
	// record remains authoritative.
	ErrHealthCheckFailed = errors.New("health check failed")

	// ErrCutoverFailed is returned when the public-port upstream swap fails.
	// The new container has been rolled back; the host may need inspection.
	ErrCutoverFailed = errors.New("cutover failed")

	// ErrInvalidTransition is returned for a phase transition the machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrIncompleteRecord is returned when a deployment record is missing
	// a required field or carries an unknown health status.
	ErrIncompleteRecord = errors.New("incomplete deployment record")

	// ErrNoPreviousRecord is returned when a rollback is requested but the
	// ledger holds no previous record to roll back to.
	ErrNoPreviousRecord = errors.New("no previous deployment to roll back to")
)
