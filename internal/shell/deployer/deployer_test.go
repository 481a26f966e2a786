package deployer

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slipway-sh/slipway/internal/core/deploy"
	"github.com/slipway-sh/slipway/internal/core/probe"
	"github.com/slipway-sh/slipway/internal/core/reference"
	"github.com/slipway-sh/slipway/internal/shell/docker"
	"github.com/slipway-sh/slipway/internal/shell/healthgate"
	"github.com/slipway-sh/slipway/internal/shell/ledger"
)

// =============================================================================
// Test Doubles
// =============================================================================

// stubGate returns a scripted verdict without polling anything.
type stubGate struct {
	outcome healthgate.Outcome
	err     error
}

func (g *stubGate) AwaitHealthy(ctx context.Context, containerID, addr string, p probe.Probe, timeout, pollInterval time.Duration) (healthgate.Outcome, error) {
	return g.outcome, g.err
}

func healthyGate() *stubGate {
	return &stubGate{outcome: healthgate.Outcome{Status: deploy.HealthHealthy, Attempts: 1}}
}

func unhealthyGate(observation string) *stubGate {
	return &stubGate{outcome: healthgate.Outcome{
		Status:          deploy.HealthUnhealthy,
		LastObservation: observation,
		Attempts:        3,
	}}
}

// fakeCutover records swap targets in order.
type fakeCutover struct {
	mu      sync.Mutex
	targets []string
	swapErr error
}

func (c *fakeCutover) Swap(ctx context.Context, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.swapErr != nil {
		return c.swapErr
	}
	c.targets = append(c.targets, target)
	return nil
}

func (c *fakeCutover) Current(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.targets) == 0 {
		return "", errors.New("no upstream configured")
	}
	return c.targets[len(c.targets)-1], nil
}

func (c *fakeCutover) swapCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.targets)
}

// =============================================================================
// Fixtures
// =============================================================================

func testRef(t *testing.T, tag string) reference.ImageReference {
	t.Helper()
	ref, err := reference.Resolve("registry.example.com", "org/app", tag)
	require.NoError(t, err)
	return ref
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PortRange = deploy.PortRange{Start: 9000, End: 9010}
	cfg.HealthTimeout = time.Second
	cfg.PollInterval = 10 * time.Millisecond
	cfg.StopGrace = time.Millisecond
	cfg.DrainGrace = 0
	return cfg
}

type fixture struct {
	deployer *Deployer
	runtime  *docker.FakeClient
	ledger   ledger.Ledger
	cutover  *fakeCutover
}

func newFixture(t *testing.T, gate HealthGate) *fixture {
	t.Helper()

	runtime := docker.NewFakeClient()
	dir := t.TempDir()
	led, err := ledger.NewSQLiteLedger(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	cutover := &fakeCutover{}
	logger := slog.New(slog.DiscardHandler)
	cfg := testConfig()
	cfg.LockPath = filepath.Join(dir, "deploy.lock")
	d := New(runtime, gate, led, cutover, cfg, logger)

	return &fixture{deployer: d, runtime: runtime, ledger: led, cutover: cutover}
}

// =============================================================================
// Deploy
// =============================================================================

func TestDeployFreshHost(t *testing.T) {
	f := newFixture(t, healthyGate())

	result, err := f.deployer.Deploy(context.Background(), testRef(t, "v1"))
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.False(t, result.NoOp)
	assert.Nil(t, result.Previous)
	assert.Equal(t, deploy.HealthHealthy, result.Record.Health)
	assert.Equal(t, 9000, result.Record.HostPort)

	active, err := f.ledger.ReadActive(context.Background())
	require.NoError(t, err)
	assert.True(t, active.Ref.Equal(testRef(t, "v1")))
	assert.Equal(t, result.Record.ContainerID, active.ContainerID)

	_, err = f.ledger.ReadPrevious(context.Background())
	assert.ErrorIs(t, err, ledger.ErrNoPreviousRecord)

	assert.Equal(t, []string{"127.0.0.1:9000"}, f.cutover.targets)
	assert.Len(t, f.runtime.RunningContainers(), 1)
}

func TestDeployRotatesActiveToPrevious(t *testing.T) {
	f := newFixture(t, healthyGate())
	ctx := context.Background()

	first, err := f.deployer.Deploy(ctx, testRef(t, "v1"))
	require.NoError(t, err)

	second, err := f.deployer.Deploy(ctx, testRef(t, "v2"))
	require.NoError(t, err)

	require.NotNil(t, second.Previous)
	assert.Equal(t, first.Record.ContainerID, second.Previous.ContainerID)
	assert.NotEqual(t, first.Record.HostPort, second.Record.HostPort)

	active, err := f.ledger.ReadActive(ctx)
	require.NoError(t, err)
	assert.True(t, active.Ref.Equal(testRef(t, "v2")))

	previous, err := f.ledger.ReadPrevious(ctx)
	require.NoError(t, err)
	assert.True(t, previous.Ref.Equal(testRef(t, "v1")))

	// Only the new container survives; the old one was retired.
	running := f.runtime.RunningContainers()
	require.Len(t, running, 1)
	assert.Equal(t, second.Record.ContainerID, running[0])

	assert.Equal(t, []string{"127.0.0.1:9000", "127.0.0.1:9001"}, f.cutover.targets)
}

func TestDeployAlreadyActiveIsNoOp(t *testing.T) {
	f := newFixture(t, healthyGate())
	ctx := context.Background()

	first, err := f.deployer.Deploy(ctx, testRef(t, "v1"))
	require.NoError(t, err)

	second, err := f.deployer.Deploy(ctx, testRef(t, "v1"))
	require.NoError(t, err)

	assert.True(t, second.NoOp)
	assert.Equal(t, first.Record.ContainerID, second.Record.ContainerID)
	assert.Equal(t, 1, f.cutover.swapCount())
	assert.Len(t, f.runtime.RunningContainers(), 1)
}

func TestDeployPullFailure(t *testing.T) {
	f := newFixture(t, healthyGate())
	f.runtime.PullErr = docker.ErrImageNotFound

	_, err := f.deployer.Deploy(context.Background(), testRef(t, "v1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, deploy.ErrPullFailed)
	assert.ErrorIs(t, err, docker.ErrImageNotFound)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, deploy.PhasePulling, stageErr.Stage)

	_, err = f.ledger.ReadActive(context.Background())
	assert.ErrorIs(t, err, ledger.ErrNoActiveRecord)
	assert.Empty(t, f.runtime.RunningContainers())
}

func TestDeployStartFailureRemovesContainer(t *testing.T) {
	f := newFixture(t, healthyGate())
	f.runtime.StartErr = errors.New("oci runtime error")

	_, err := f.deployer.Deploy(context.Background(), testRef(t, "v1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, deploy.ErrStartFailed)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, deploy.PhaseStarting, stageErr.Stage)

	// The created container must not be left behind.
	all, listErr := f.runtime.ListContainers(context.Background(), docker.ListOptions{All: true})
	require.NoError(t, listErr)
	assert.Empty(t, all)
	assert.Equal(t, 0, f.cutover.swapCount())
}

func TestDeployFailedHealthGateRollsBack(t *testing.T) {
	f := newFixture(t, healthyGate())
	ctx := context.Background()

	first, err := f.deployer.Deploy(ctx, testRef(t, "v1"))
	require.NoError(t, err)

	// Second deploy fails its health gate.
	f.deployer.gate = unhealthyGate("HTTP GET /health: 503 Service Unavailable")
	result, err := f.deployer.Deploy(ctx, testRef(t, "v2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, deploy.ErrHealthCheckFailed)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, deploy.PhaseHealthChecking, stageErr.Stage)
	assert.Contains(t, stageErr.Observation, "503")
	assert.Equal(t, deploy.HealthUnhealthy, result.Outcome.Status)

	// Production state is untouched: v1 still active, still the only
	// running container, no second cutover.
	active, readErr := f.ledger.ReadActive(ctx)
	require.NoError(t, readErr)
	assert.True(t, active.Ref.Equal(testRef(t, "v1")))

	running := f.runtime.RunningContainers()
	require.Len(t, running, 1)
	assert.Equal(t, first.Record.ContainerID, running[0])
	assert.Equal(t, 1, f.cutover.swapCount())
}

func TestDeployCutoverFailureRollsBack(t *testing.T) {
	f := newFixture(t, healthyGate())
	ctx := context.Background()

	_, err := f.deployer.Deploy(ctx, testRef(t, "v1"))
	require.NoError(t, err)

	f.cutover.swapErr = errors.New("proxy admin unreachable")
	_, err = f.deployer.Deploy(ctx, testRef(t, "v2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, deploy.ErrCutoverFailed)

	active, readErr := f.ledger.ReadActive(ctx)
	require.NoError(t, readErr)
	assert.True(t, active.Ref.Equal(testRef(t, "v1")))
	assert.Len(t, f.runtime.RunningContainers(), 1)
}

func TestDeployConcurrentRequestFailsFast(t *testing.T) {
	f := newFixture(t, healthyGate())
	ctx := context.Background()

	pulling := make(chan struct{})
	release := make(chan struct{})
	f.runtime.PullHook = func(ctx context.Context, image string) error {
		close(pulling)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.deployer.Deploy(ctx, testRef(t, "v1"))
		done <- err
	}()

	<-pulling
	_, err := f.deployer.Deploy(ctx, testRef(t, "v2"))
	assert.ErrorIs(t, err, deploy.ErrDeploymentInProgress)

	close(release)
	require.NoError(t, <-done)

	// The winner completed untouched by the rejected request.
	active, readErr := f.ledger.ReadActive(ctx)
	require.NoError(t, readErr)
	assert.True(t, active.Ref.Equal(testRef(t, "v1")))
}

// Two deployers over one ledger and lock path model two concurrent CLI
// invocations: the in-process mutex cannot see across them, so the file lock
// must reject the second transaction.
func TestDeployConcurrentProcessesFailFast(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)
	cfg := testConfig()
	cfg.LockPath = filepath.Join(dir, "deploy.lock")

	ledgerA, err := ledger.NewSQLiteLedger(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer ledgerA.Close()
	ledgerB, err := ledger.NewSQLiteLedger(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	defer ledgerB.Close()

	runtimeA := docker.NewFakeClient()
	runtimeB := docker.NewFakeClient()
	cutoverShared := &fakeCutover{}

	first := New(runtimeA, healthyGate(), ledgerA, cutoverShared, cfg, logger)
	second := New(runtimeB, healthyGate(), ledgerB, cutoverShared, cfg, logger)

	pulling := make(chan struct{})
	release := make(chan struct{})
	runtimeA.PullHook = func(ctx context.Context, image string) error {
		close(pulling)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := first.Deploy(ctx, testRef(t, "v1"))
		done <- err
	}()

	<-pulling
	_, err = second.Deploy(ctx, testRef(t, "v2"))
	assert.ErrorIs(t, err, deploy.ErrDeploymentInProgress)
	assert.Empty(t, runtimeB.Calls())

	close(release)
	require.NoError(t, <-done)

	// Only the winner's transaction reached the ledger and the cutover.
	active, readErr := ledgerB.ReadActive(ctx)
	require.NoError(t, readErr)
	assert.True(t, active.Ref.Equal(testRef(t, "v1")))
	assert.Equal(t, 1, cutoverShared.swapCount())

	// With the transaction finished the lock is free again.
	_, err = second.Deploy(ctx, testRef(t, "v2"))
	require.NoError(t, err)
}

func TestDeployReturnsToIdle(t *testing.T) {
	f := newFixture(t, healthyGate())

	_, err := f.deployer.Deploy(context.Background(), testRef(t, "v1"))
	require.NoError(t, err)
	assert.Equal(t, deploy.PhaseIdle, f.deployer.Phase())

	f.runtime.PullErr = errors.New("network down")
	_, err = f.deployer.Deploy(context.Background(), testRef(t, "v2"))
	require.Error(t, err)
	assert.Equal(t, deploy.PhaseIdle, f.deployer.Phase())
}

// =============================================================================
// Rollback
// =============================================================================

func TestRollbackRedeploysPrevious(t *testing.T) {
	f := newFixture(t, healthyGate())
	ctx := context.Background()

	_, err := f.deployer.Deploy(ctx, testRef(t, "v1"))
	require.NoError(t, err)
	_, err = f.deployer.Deploy(ctx, testRef(t, "v2"))
	require.NoError(t, err)

	result, err := f.deployer.Rollback(ctx)
	require.NoError(t, err)
	assert.True(t, result.Record.Ref.Equal(testRef(t, "v1")))

	active, err := f.ledger.ReadActive(ctx)
	require.NoError(t, err)
	assert.True(t, active.Ref.Equal(testRef(t, "v1")))

	previous, err := f.ledger.ReadPrevious(ctx)
	require.NoError(t, err)
	assert.True(t, previous.Ref.Equal(testRef(t, "v2")))
}

func TestRollbackWithoutPrevious(t *testing.T) {
	f := newFixture(t, healthyGate())

	_, err := f.deployer.Rollback(context.Background())
	assert.ErrorIs(t, err, deploy.ErrNoPreviousRecord)
}

// =============================================================================
// Status
// =============================================================================

func TestStatusFreshHost(t *testing.T) {
	f := newFixture(t, healthyGate())

	st, err := f.deployer.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, deploy.PhaseIdle, st.Phase)
	assert.Nil(t, st.Active)
	assert.Nil(t, st.Previous)
	assert.False(t, st.ContainerRunning)
}

func TestStatusAfterDeploy(t *testing.T) {
	f := newFixture(t, healthyGate())
	ctx := context.Background()

	result, err := f.deployer.Deploy(ctx, testRef(t, "v1"))
	require.NoError(t, err)

	st, err := f.deployer.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Active)
	assert.Equal(t, result.Record.ContainerID, st.Active.ContainerID)
	assert.True(t, st.ContainerRunning)
	assert.Equal(t, "127.0.0.1:9000", st.Upstream)
}
