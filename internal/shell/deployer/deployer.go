// Package deployer sequences a blue/green deployment transaction on a single
// host: pull, start on a staging port, health-gate, atomic cutover, retire
// the previous container, commit the ledger. Failures before cutover leave
// production traffic untouched; a failed health gate rolls the new container
// back automatically.
package deployer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/slipway-sh/slipway/internal/core/deploy"
	"github.com/slipway-sh/slipway/internal/core/probe"
	"github.com/slipway-sh/slipway/internal/core/reference"
	"github.com/slipway-sh/slipway/internal/shell/docker"
	"github.com/slipway-sh/slipway/internal/shell/healthgate"
	"github.com/slipway-sh/slipway/internal/shell/ledger"
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Cutover atomically redirects public traffic to a new upstream target.
// Implemented by the proxy admin client; in-process callers wrap the proxy
// server in a small adapter since its methods take no context.
type Cutover interface {
	Swap(ctx context.Context, target string) error
	Current(ctx context.Context) (string, error)
}

// HealthGate decides whether a started container is fit to serve.
// Implemented by *healthgate.Gate.
type HealthGate interface {
	AwaitHealthy(ctx context.Context, containerID, addr string, p probe.Probe, timeout, pollInterval time.Duration) (healthgate.Outcome, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration.
type Config struct {
	// ContainerPort is the TCP port the application listens on inside
	// the container.
	ContainerPort int

	// PortRange is the pool of host ports for container bindings behind
	// the proxy. Blue and green each take one.
	PortRange deploy.PortRange

	// Probe is the readiness probe run by the health gate.
	Probe probe.Probe

	// HealthTimeout bounds the whole health gate; PollInterval is the
	// time between probe attempts.
	HealthTimeout time.Duration
	PollInterval  time.Duration

	// StopGrace is how long a container gets to terminate gracefully
	// before being killed.
	StopGrace time.Duration

	// DrainGrace is how long the previous container keeps running after
	// cutover so in-flight requests can finish.
	DrainGrace time.Duration

	// LockPath is the lock file guarding the deployment transaction across
	// processes. Each deploy is a separate CLI invocation, so an in-process
	// mutex alone cannot serialize two concurrent CI triggers. Empty
	// disables the file lock (single-process use only).
	LockPath string
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		ContainerPort: 8000,
		PortRange:     deploy.DefaultPortRange(),
		Probe:         probe.Default(),
		HealthTimeout: 30 * time.Second,
		PollInterval:  2 * time.Second,
		StopGrace:     10 * time.Second,
		DrainGrace:    5 * time.Second,
	}
}

// =============================================================================
// Stage Error
// =============================================================================

// StageError reports which stage of the transaction failed, together with
// the health gate's last observation when one exists. The CLI prints both.
type StageError struct {
	Stage       deploy.Phase
	Err         error
	Observation string
}

func (e *StageError) Error() string {
	if e.Observation != "" {
		return fmt.Sprintf("stage %s: %v (last observation: %s)", e.Stage, e.Err, e.Observation)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Result
// =============================================================================

// Result describes a completed deployment transaction.
type Result struct {
	// Record is the new active deployment record.
	Record deploy.Record

	// Previous is the record retired by this deploy, nil on a fresh host.
	Previous *deploy.Record

	// Outcome is the health gate's verdict for the new container.
	Outcome healthgate.Outcome

	// NoOp is true when the requested reference was already active and
	// healthy, so nothing was changed.
	NoOp bool
}

// Status is a read-only snapshot for the status command.
type Status struct {
	Phase            deploy.Phase
	Active           *deploy.Record
	Previous         *deploy.Record
	ContainerRunning bool
	Upstream         string
}

// =============================================================================
// Deployer
// =============================================================================

// Deployer is the deployment orchestrator. At most one deployment
// transaction runs at a time; a concurrent request fails fast with
// deploy.ErrDeploymentInProgress rather than queueing.
type Deployer struct {
	runtime docker.Client
	gate    HealthGate
	ledger  ledger.Ledger
	cutover Cutover
	config  Config
	logger  *slog.Logger

	// mu is the in-process single-flight lock; fileLock extends it across
	// processes. Both are held for a full transaction.
	mu       sync.Mutex
	fileLock *flock.Flock

	phaseMu sync.RWMutex
	phase   deploy.Phase
}

// New creates a deployer.
func New(runtime docker.Client, gate HealthGate, l ledger.Ledger, cutover Cutover, config Config, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deployer{
		runtime: runtime,
		gate:    gate,
		ledger:  l,
		cutover: cutover,
		config:  config,
		logger:  logger,
		phase:   deploy.PhaseIdle,
	}
	if config.LockPath != "" {
		d.fileLock = flock.New(config.LockPath)
	}
	return d
}

// Phase returns the orchestrator's current phase.
func (d *Deployer) Phase() deploy.Phase {
	d.phaseMu.RLock()
	defer d.phaseMu.RUnlock()
	return d.phase
}

// transition moves the phase machine, enforcing the allowed transitions.
func (d *Deployer) transition(to deploy.Phase) error {
	d.phaseMu.Lock()
	defer d.phaseMu.Unlock()
	if err := deploy.ValidateTransition(d.phase, to); err != nil {
		return fmt.Errorf("%w: %s -> %s", err, d.phase, to)
	}
	d.logger.Debug("phase transition", "from", d.phase, "to", to)
	d.phase = to
	return nil
}

// forcePhase resets the machine without validation. Used only to return to
// idle when unwinding a transaction.
func (d *Deployer) forcePhase(p deploy.Phase) {
	d.phaseMu.Lock()
	defer d.phaseMu.Unlock()
	d.phase = p
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy runs one full deployment transaction for ref.
func (d *Deployer) Deploy(ctx context.Context, ref reference.ImageReference) (*Result, error) {
	if !d.mu.TryLock() {
		return nil, deploy.ErrDeploymentInProgress
	}
	defer d.mu.Unlock()

	// Serialize against deploys from other processes: each CLI invocation
	// builds its own Deployer, so the mutex alone only covers this one.
	if d.fileLock != nil {
		held, err := d.fileLock.TryLock()
		if err != nil {
			return nil, &StageError{Stage: deploy.PhaseIdle, Err: fmt.Errorf("acquiring deploy lock: %w", err)}
		}
		if !held {
			return nil, deploy.ErrDeploymentInProgress
		}
		defer func() {
			if err := d.fileLock.Unlock(); err != nil {
				d.logger.Warn("failed to release deploy lock", "path", d.config.LockPath, "error", err)
			}
		}()
	}

	defer d.forcePhase(deploy.PhaseIdle)

	d.logger.Info("deploy requested", "image", ref.String())

	// Load the current active record; a fresh host has none.
	var active *deploy.Record
	if rec, err := d.ledger.ReadActive(ctx); err == nil {
		active = &rec
	} else if !errors.Is(err, ledger.ErrNoActiveRecord) {
		return nil, &StageError{Stage: deploy.PhaseIdle, Err: err}
	}

	// Idempotence: deploying the already-active reference with its
	// container still running changes nothing.
	if active != nil && active.Ref.Equal(ref) {
		if info, err := d.runtime.InspectContainer(ctx, active.ContainerID); err == nil && info.Running {
			d.logger.Info("reference already active, nothing to do", "image", ref.String())
			return &Result{Record: *active, NoOp: true}, nil
		}
	}

	// Pulling
	if err := d.transition(deploy.PhasePulling); err != nil {
		return nil, &StageError{Stage: deploy.PhaseIdle, Err: err}
	}
	if err := d.runtime.PullImage(ctx, ref.String()); err != nil {
		d.logger.Error("image pull failed", "image", ref.String(), "error", err)
		return nil, &StageError{Stage: deploy.PhasePulling, Err: errors.Join(deploy.ErrPullFailed, err)}
	}

	// Starting: the new container binds a staging port, never the public one.
	if err := d.transition(deploy.PhaseStarting); err != nil {
		return nil, &StageError{Stage: deploy.PhasePulling, Err: err}
	}
	newRecord, err := d.startNew(ctx, ref, active)
	if err != nil {
		return nil, &StageError{Stage: deploy.PhaseStarting, Err: errors.Join(deploy.ErrStartFailed, err)}
	}

	// HealthChecking
	if err := d.transition(deploy.PhaseHealthChecking); err != nil {
		return nil, &StageError{Stage: deploy.PhaseStarting, Err: err}
	}
	addr := upstreamAddr(newRecord)
	outcome, gateErr := d.gate.AwaitHealthy(ctx, newRecord.ContainerID, addr, d.config.Probe, d.config.HealthTimeout, d.config.PollInterval)
	if gateErr != nil || outcome.Status != deploy.HealthHealthy {
		d.rollbackNew(ctx, newRecord)
		if gateErr != nil {
			return &Result{Outcome: outcome}, &StageError{Stage: deploy.PhaseHealthChecking, Err: gateErr, Observation: outcome.LastObservation}
		}
		return &Result{Outcome: outcome}, &StageError{
			Stage:       deploy.PhaseHealthChecking,
			Err:         deploy.ErrHealthCheckFailed,
			Observation: outcome.LastObservation,
		}
	}
	newRecord = newRecord.MarkHealthy()

	// From here the transaction runs to completion or rollback; caller
	// cancellation no longer interrupts it.
	runCtx := context.WithoutCancel(ctx)

	// CuttingOver
	if err := d.transition(deploy.PhaseCuttingOver); err != nil {
		d.rollbackNew(runCtx, newRecord)
		return nil, &StageError{Stage: deploy.PhaseHealthChecking, Err: err}
	}
	if err := d.cutover.Swap(runCtx, addr); err != nil {
		d.rollbackNew(runCtx, newRecord)
		return nil, &StageError{Stage: deploy.PhaseCuttingOver, Err: errors.Join(deploy.ErrCutoverFailed, err)}
	}
	d.logger.Info("cutover complete", "image", ref.String(), "upstream", addr)

	// RetiringPrevious
	if err := d.transition(deploy.PhaseRetiringPrevious); err != nil {
		return nil, &StageError{Stage: deploy.PhaseCuttingOver, Err: err}
	}
	if active != nil && active.ContainerID != newRecord.ContainerID {
		d.retirePrevious(runCtx, *active)
	}

	if err := d.ledger.Commit(runCtx, newRecord, active); err != nil {
		return nil, &StageError{Stage: deploy.PhaseRetiringPrevious, Err: err}
	}

	d.logger.Info("deploy complete",
		"image", ref.String(),
		"container_id", deploy.ShortID(newRecord.ContainerID),
		"host_port", newRecord.HostPort,
	)

	return &Result{Record: newRecord, Previous: active, Outcome: outcome}, nil
}

// startNew creates and starts the candidate container on an allocated
// staging port. On start failure the created container is removed.
func (d *Deployer) startNew(ctx context.Context, ref reference.ImageReference, active *deploy.Record) (deploy.Record, error) {
	var usedPorts []int
	if active != nil {
		usedPorts = append(usedPorts, active.HostPort)
	}
	if prev, err := d.ledger.ReadPrevious(ctx); err == nil {
		usedPorts = append(usedPorts, prev.HostPort)
	}

	hostPort, err := deploy.AllocatePort(usedPorts, d.config.PortRange)
	if err != nil {
		return deploy.Record{}, err
	}

	deploymentID := uuid.New().String()
	spec := docker.ContainerSpec{
		Name:  deploy.ContainerName(ref.Repository, ref.Tag, deploy.ShortID(deploymentID)),
		Image: ref.String(),
		Labels: map[string]string{
			docker.LabelManaged:    "true",
			docker.LabelRepository: ref.Repository,
			docker.LabelTag:        ref.Tag,
			docker.LabelDeployment: deploymentID,
		},
		Ports: []docker.PortBinding{
			{
				ContainerPort: d.config.ContainerPort,
				HostPort:      hostPort,
				Protocol:      "tcp",
				HostIP:        "127.0.0.1",
			},
		},
		RestartPolicy: docker.RestartPolicy{Name: "unless-stopped"},
	}

	containerID, err := d.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return deploy.Record{}, err
	}

	if err := d.runtime.StartContainer(ctx, containerID); err != nil {
		if rmErr := d.runtime.RemoveContainer(ctx, containerID, docker.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn("failed to remove container after start failure",
				"container_id", deploy.ShortID(containerID), "error", rmErr)
		}
		return deploy.Record{}, err
	}

	d.logger.Info("started candidate container",
		"container_id", deploy.ShortID(containerID),
		"host_port", hostPort,
	)

	return deploy.NewRecord(ref, containerID, hostPort), nil
}

// rollbackNew removes a rejected candidate container. The ledger's active
// record is left untouched: the previous container, still running and still
// holding the public upstream, remains authoritative.
func (d *Deployer) rollbackNew(ctx context.Context, rec deploy.Record) {
	d.forcePhase(deploy.PhaseRollingBack)
	d.logger.Warn("rolling back candidate container",
		"container_id", deploy.ShortID(rec.ContainerID),
		"image", rec.Ref.String(),
	)

	ctx = context.WithoutCancel(ctx)
	if err := d.runtime.StopContainer(ctx, rec.ContainerID, d.config.StopGrace); err != nil &&
		!errors.Is(err, docker.ErrContainerNotFound) && !errors.Is(err, docker.ErrContainerNotRunning) {
		d.logger.Warn("failed to stop candidate container", "container_id", deploy.ShortID(rec.ContainerID), "error", err)
	}
	if err := d.runtime.RemoveContainer(ctx, rec.ContainerID, docker.RemoveOptions{Force: true}); err != nil &&
		!errors.Is(err, docker.ErrContainerNotFound) {
		d.logger.Warn("failed to remove candidate container", "container_id", deploy.ShortID(rec.ContainerID), "error", err)
	}
}

// retirePrevious drains and removes the container that just lost the public
// upstream. Retire failures do not fail the deploy: the cutover has already
// happened and the new container is serving.
func (d *Deployer) retirePrevious(ctx context.Context, prev deploy.Record) {
	if d.config.DrainGrace > 0 {
		d.logger.Info("draining previous container",
			"container_id", deploy.ShortID(prev.ContainerID),
			"grace", d.config.DrainGrace,
		)
		time.Sleep(d.config.DrainGrace)
	}

	if err := d.runtime.StopContainer(ctx, prev.ContainerID, d.config.StopGrace); err != nil &&
		!errors.Is(err, docker.ErrContainerNotFound) && !errors.Is(err, docker.ErrContainerNotRunning) {
		d.logger.Warn("failed to stop previous container", "container_id", deploy.ShortID(prev.ContainerID), "error", err)
	}
	if err := d.runtime.RemoveContainer(ctx, prev.ContainerID, docker.RemoveOptions{Force: true}); err != nil &&
		!errors.Is(err, docker.ErrContainerNotFound) {
		d.logger.Warn("failed to remove previous container", "container_id", deploy.ShortID(prev.ContainerID), "error", err)
	}
}

// =============================================================================
// Rollback
// =============================================================================

// Rollback redeploys the ledger's previous record through the same gated
// pipeline. The stored reference is immutable; it is never re-resolved.
func (d *Deployer) Rollback(ctx context.Context) (*Result, error) {
	prev, err := d.ledger.ReadPrevious(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrNoPreviousRecord) {
			return nil, deploy.ErrNoPreviousRecord
		}
		return nil, err
	}

	d.logger.Info("rolling back to previous deployment", "image", prev.Ref.String())
	return d.Deploy(ctx, prev.Ref)
}

// =============================================================================
// Status
// =============================================================================

// Status reports the ledger's view plus the live container and upstream state.
func (d *Deployer) Status(ctx context.Context) (*Status, error) {
	st := &Status{Phase: d.Phase()}

	if rec, err := d.ledger.ReadActive(ctx); err == nil {
		st.Active = &rec
		if info, inspectErr := d.runtime.InspectContainer(ctx, rec.ContainerID); inspectErr == nil {
			st.ContainerRunning = info.Running
		}
	} else if !errors.Is(err, ledger.ErrNoActiveRecord) {
		return nil, err
	}

	if rec, err := d.ledger.ReadPrevious(ctx); err == nil {
		st.Previous = &rec
	} else if !errors.Is(err, ledger.ErrNoPreviousRecord) {
		return nil, err
	}

	if upstream, err := d.cutover.Current(ctx); err == nil {
		st.Upstream = upstream
	}

	return st, nil
}

// upstreamAddr is the loopback address the proxy targets for a record.
func upstreamAddr(rec deploy.Record) string {
	return fmt.Sprintf("127.0.0.1:%d", rec.HostPort)
}
