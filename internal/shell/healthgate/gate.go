// Package healthgate decides whether a newly started container is fit to
// serve traffic by polling a readiness probe until success, timeout, or
// container exit.
package healthgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/slipway-sh/slipway/internal/core/deploy"
	"github.com/slipway-sh/slipway/internal/core/probe"
	"github.com/slipway-sh/slipway/internal/shell/docker"
)

// =============================================================================
// Outcome
// =============================================================================

// Outcome is the gate's verdict plus the last thing the probe observed,
// kept for failure reports.
type Outcome struct {
	Status          deploy.HealthStatus
	LastObservation string
	Attempts        int
}

// =============================================================================
// Gate
// =============================================================================

// Gate polls a container's readiness probe. Calls are idempotent: probing
// has no side effects on the target container.
type Gate struct {
	runtime    docker.Client
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a health gate.
func New(runtime docker.Client, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		runtime:    runtime,
		httpClient: cleanhttp.DefaultClient(),
		logger:     logger,
	}
}

// AwaitHealthy polls the probe against addr (the container's bound host
// address, host:port) every pollInterval until it succeeds, until timeout
// elapses, or until the container process exits. The verdict is returned no
// later than timeout. The returned error is non-nil only for cancellation;
// an unhealthy container is a normal outcome, not an error.
func (g *Gate) AwaitHealthy(ctx context.Context, containerID, addr string, p probe.Probe, timeout, pollInterval time.Duration) (Outcome, error) {
	if err := p.Validate(); err != nil {
		return Outcome{Status: deploy.HealthUnhealthy, LastObservation: err.Error()}, err
	}

	g.logger.Info("health gate opened",
		"container_id", deploy.ShortID(containerID),
		"probe", p.Describe(),
		"address", addr,
		"timeout", timeout,
	)

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	outcome := Outcome{Status: deploy.HealthPending}

	// First attempt immediately; tickers only fire after one interval.
	if done := g.attempt(ctx, containerID, addr, p, deadline, &outcome); done {
		return outcome, nil
	}

	for {
		select {
		case <-ctx.Done():
			outcome.Status = deploy.HealthUnhealthy
			if outcome.LastObservation == "" {
				outcome.LastObservation = ctx.Err().Error()
			}
			return outcome, ctx.Err()
		case <-timer.C:
			outcome.Status = deploy.HealthUnhealthy
			g.logger.Warn("health gate timed out",
				"container_id", deploy.ShortID(containerID),
				"attempts", outcome.Attempts,
				"last_observation", outcome.LastObservation,
			)
			return outcome, nil
		case <-ticker.C:
			if done := g.attempt(ctx, containerID, addr, p, deadline, &outcome); done {
				return outcome, nil
			}
		}
	}
}

// attempt runs one probe cycle and reports whether a final verdict was
// reached. It never blocks past the gate deadline.
func (g *Gate) attempt(ctx context.Context, containerID, addr string, p probe.Probe, deadline time.Time, outcome *Outcome) bool {
	outcome.Attempts++

	// A dead container fails immediately; no point polling further. A
	// container that no longer exists counts as dead too.
	info, err := g.runtime.InspectContainer(ctx, containerID)
	if err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			outcome.Status = deploy.HealthUnhealthy
			outcome.LastObservation = "container no longer exists"
			g.logger.Warn("container disappeared during health gate",
				"container_id", deploy.ShortID(containerID),
			)
			return true
		}
		outcome.LastObservation = fmt.Sprintf("inspect failed: %v", err)
		return false
	}
	if !info.Running {
		outcome.Status = deploy.HealthUnhealthy
		outcome.LastObservation = fmt.Sprintf("container exited with code %d", info.ExitCode)
		g.logger.Warn("container exited during health gate",
			"container_id", deploy.ShortID(containerID),
			"exit_code", info.ExitCode,
		)
		return true
	}

	attemptTimeout := p.AttemptTimeout
	if remaining := time.Until(deadline); remaining < attemptTimeout {
		attemptTimeout = remaining
	}
	if attemptTimeout <= 0 {
		return false // let the gate timer deliver the verdict
	}

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	ok, observation := g.runProbe(attemptCtx, containerID, addr, p)
	outcome.LastObservation = observation

	if ok {
		outcome.Status = deploy.HealthHealthy
		g.logger.Info("health gate passed",
			"container_id", deploy.ShortID(containerID),
			"attempts", outcome.Attempts,
		)
		return true
	}

	g.logger.Debug("probe attempt failed",
		"container_id", deploy.ShortID(containerID),
		"attempt", outcome.Attempts,
		"observation", observation,
	)
	return false
}

// runProbe executes a single probe attempt and returns success plus what
// was observed.
func (g *Gate) runProbe(ctx context.Context, containerID, addr string, p probe.Probe) (bool, string) {
	switch p.Type {
	case probe.TypeHTTP:
		return g.httpProbe(ctx, addr, p.Path)
	case probe.TypeTCP:
		return g.tcpProbe(ctx, addr)
	case probe.TypeCommand:
		return g.commandProbe(ctx, containerID, p.Command)
	default:
		return false, fmt.Sprintf("unknown probe type %q", p.Type)
	}
}

func (g *Gate) httpProbe(ctx context.Context, addr, path string) (bool, string) {
	url := fmt.Sprintf("http://%s%s", addr, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Sprintf("HTTP GET %s: %v", path, err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	observation := fmt.Sprintf("HTTP GET %s: %s", path, resp.Status)
	return resp.StatusCode >= 200 && resp.StatusCode <= 299, observation
}

func (g *Gate) tcpProbe(ctx context.Context, addr string) (bool, string) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, fmt.Sprintf("TCP connect %s: %v", addr, err)
	}
	conn.Close()
	return true, fmt.Sprintf("TCP connect %s: success", addr)
}

func (g *Gate) commandProbe(ctx context.Context, containerID string, cmd []string) (bool, string) {
	exitCode, output, err := g.runtime.ExecProbe(ctx, containerID, cmd)
	if err != nil {
		return false, fmt.Sprintf("exec probe: %v", err)
	}
	if exitCode != 0 {
		return false, fmt.Sprintf("exec probe exited %d: %s", exitCode, output)
	}
	return true, "exec probe exited 0"
}
