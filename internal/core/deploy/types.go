package deploy

import (
	"time"

	"github.com/slipway-sh/slipway/internal/core/reference"
)

// =============================================================================
// Health Status
// =============================================================================

// HealthStatus is the health gate's verdict on a deployment record.
type HealthStatus string

const (
	HealthPending   HealthStatus = "pending"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Valid reports whether the value is one of the known statuses.
func (s HealthStatus) Valid() bool {
	switch s {
	case HealthPending, HealthHealthy, HealthUnhealthy:
		return true
	}
	return false
}

// =============================================================================
// Deployment Record
// =============================================================================

// Record describes one deployed container: which image it runs, its
// container identity, the host port it is bound to, and its health verdict.
// The ledger holds exactly one active record and at most one previous record.
type Record struct {
	Ref         reference.ImageReference `json:"image_reference"`
	ContainerID string                   `json:"container_id"`
	HostPort    int                      `json:"host_port"`
	Health      HealthStatus             `json:"health_status"`
	StartedAt   time.Time                `json:"started_at"`
}

// NewRecord creates a pending record for a freshly started container.
func NewRecord(ref reference.ImageReference, containerID string, hostPort int) Record {
	return Record{
		Ref:         ref,
		ContainerID: containerID,
		HostPort:    hostPort,
		Health:      HealthPending,
		StartedAt:   time.Now().UTC(),
	}
}

// MarkHealthy returns a copy of the record with a healthy verdict.
func (r Record) MarkHealthy() Record {
	r.Health = HealthHealthy
	return r
}

// MarkUnhealthy returns a copy of the record with an unhealthy verdict.
func (r Record) MarkUnhealthy() Record {
	r.Health = HealthUnhealthy
	return r
}

// Validate checks internal consistency. A record read back from durable
// storage that fails validation indicates ledger corruption.
func (r Record) Validate() error {
	if r.Ref.Registry == "" || r.Ref.Repository == "" || r.Ref.Tag == "" {
		return ErrIncompleteRecord
	}
	if r.ContainerID == "" {
		return ErrIncompleteRecord
	}
	if !r.Health.Valid() {
		return ErrIncompleteRecord
	}
	if r.StartedAt.IsZero() {
		return ErrIncompleteRecord
	}
	return nil
}

// =============================================================================
// Phase Machine
// =============================================================================

// Phase is the orchestrator's position in a deployment transaction.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhasePulling          Phase = "pulling"
	PhaseStarting         Phase = "starting"
	PhaseHealthChecking   Phase = "health_checking"
	PhaseCuttingOver      Phase = "cutting_over"
	PhaseRetiringPrevious Phase = "retiring_previous"
	PhaseRollingBack      Phase = "rolling_back"
)

// validPhaseTransitions defines the allowed phase transitions. Failure paths
// before the cutover point return straight to idle with the ledger untouched;
// a failed health gate detours through rolling_back first.
var validPhaseTransitions = map[Phase][]Phase{
	PhaseIdle:             {PhasePulling},
	PhasePulling:          {PhaseStarting, PhaseIdle},
	PhaseStarting:         {PhaseHealthChecking, PhaseIdle},
	PhaseHealthChecking:   {PhaseCuttingOver, PhaseRollingBack},
	PhaseCuttingOver:      {PhaseRetiringPrevious, PhaseRollingBack},
	PhaseRetiringPrevious: {PhaseIdle},
	PhaseRollingBack:      {PhaseIdle},
}

// ValidateTransition checks whether a phase transition is allowed.
func ValidateTransition(from, to Phase) error {
	allowed, exists := validPhaseTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}
	for _, p := range allowed {
		if p == to {
			return nil
		}
	}
	return ErrInvalidTransition
}

// Cancellable reports whether a deployment attempt may still be abandoned in
// the given phase. Once cutover begins the transaction runs to completion or
// rollback so traffic is never left split.
func (p Phase) Cancellable() bool {
	return p == PhasePulling || p == PhaseStarting
}
