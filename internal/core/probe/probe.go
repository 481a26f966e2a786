// Package probe defines readiness probe value types. Pure data and
// validation; the health gate in internal/shell/healthgate executes probes.
package probe

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Probe Types
// =============================================================================

// Type selects how readiness is observed.
type Type string

const (
	// TypeHTTP performs a GET against the container's bound host port and
	// requires a status in the 2xx range.
	TypeHTTP Type = "http"

	// TypeTCP requires a successful TCP connect to the bound host port.
	TypeTCP Type = "tcp"

	// TypeCommand executes a command inside the container and requires
	// exit code zero.
	TypeCommand Type = "command"
)

// ErrInvalidProbe is returned when a probe definition is unusable.
var ErrInvalidProbe = errors.New("invalid probe")

// Probe describes one readiness check. The target address (host port) is
// supplied by the orchestrator at gate time, not stored here, because the
// same probe definition applies to whichever staging port a deploy lands on.
type Probe struct {
	Type Type `mapstructure:"type"`

	// Path is the request path for HTTP probes, e.g. "/health".
	Path string `mapstructure:"path"`

	// Command is the in-container command for command probes.
	Command []string `mapstructure:"command"`

	// AttemptTimeout bounds a single probe attempt. Must be shorter than
	// the health gate's overall timeout to leave room for at least one try.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// Default returns the probe used when nothing is configured: an HTTP GET
// against /health with a 2 second attempt timeout.
func Default() Probe {
	return Probe{
		Type:           TypeHTTP,
		Path:           "/health",
		AttemptTimeout: 2 * time.Second,
	}
}

// Validate checks the probe definition.
func (p Probe) Validate() error {
	switch p.Type {
	case TypeHTTP:
		if p.Path == "" || !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("%w: http probe path must start with /", ErrInvalidProbe)
		}
	case TypeTCP:
		// Connect-only, nothing further to check.
	case TypeCommand:
		if len(p.Command) == 0 {
			return fmt.Errorf("%w: command probe requires a command", ErrInvalidProbe)
		}
	default:
		return fmt.Errorf("%w: unknown probe type %q", ErrInvalidProbe, p.Type)
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("%w: attempt timeout must be positive", ErrInvalidProbe)
	}
	return nil
}

// Describe renders a short human-readable form for logs and failure reports.
func (p Probe) Describe() string {
	switch p.Type {
	case TypeHTTP:
		return fmt.Sprintf("HTTP GET %s", p.Path)
	case TypeTCP:
		return "TCP connect"
	case TypeCommand:
		return fmt.Sprintf("command %s", strings.Join(p.Command, " "))
	default:
		return string(p.Type)
	}
}
