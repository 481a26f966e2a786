package docker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Fake Client (test double)
// =============================================================================

// FakeClient is an in-memory Client for tests. Behavior is scripted through
// the error fields and hooks; every call is recorded so tests can assert
// that no runtime calls happened at all.
type FakeClient struct {
	mu         sync.Mutex
	containers map[string]*ContainerInfo
	images     map[string]bool
	calls      []string
	nextID     int

	// Scripted failures
	PullErr   error
	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error

	// Scripted exec probe result
	ExecExitCode int
	ExecOutput   string
	ExecErr      error

	// PullHook, when set, runs inside PullImage before returning. Used to
	// block a deploy mid-pull in concurrency tests.
	PullHook func(ctx context.Context, image string) error
}

// NewFakeClient creates an empty fake runtime.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		containers: make(map[string]*ContainerInfo),
		images:     make(map[string]bool),
	}
}

func (f *FakeClient) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns the operations performed so far.
func (f *FakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// RunningContainers returns the IDs of containers currently running.
func (f *FakeClient) RunningContainers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, c := range f.containers {
		if c.Running {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetExited marks a container as exited with the given code, as if the
// process died on its own.
func (f *FakeClient) SetExited(containerID string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[containerID]; ok {
		c.Running = false
		c.Status = ContainerStatusExited
		c.ExitCode = exitCode
	}
}

// =============================================================================
// Client Implementation
// =============================================================================

func (f *FakeClient) PullImage(ctx context.Context, image string) error {
	f.mu.Lock()
	f.record("PullImage %s", image)
	hook := f.PullHook
	pullErr := f.PullErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, image); err != nil {
			return err
		}
	}
	if pullErr != nil {
		return pullErr
	}

	f.mu.Lock()
	f.images[image] = true
	f.mu.Unlock()
	return nil
}

func (f *FakeClient) ImageExists(ctx context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ImageExists %s", image)
	return f.images[image], nil
}

func (f *FakeClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateContainer %s", spec.Name)
	if f.CreateErr != nil {
		return "", f.CreateErr
	}

	f.nextID++
	id := fmt.Sprintf("ctr-%04d", f.nextID)
	now := time.Now().UTC()
	f.containers[id] = &ContainerInfo{
		ID:        id,
		Name:      spec.Name,
		Image:     spec.Image,
		Status:    ContainerStatusCreated,
		CreatedAt: now,
		Ports:     spec.Ports,
		Labels:    spec.Labels,
	}
	return id, nil
}

func (f *FakeClient) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartContainer %s", containerID)
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return NewDockerError("StartContainer", "container", containerID, "container not found", ErrContainerNotFound)
	}
	now := time.Now().UTC()
	c.Running = true
	c.Status = ContainerStatusRunning
	c.StartedAt = &now
	return nil
}

func (f *FakeClient) StopContainer(ctx context.Context, containerID string, gracePeriod time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopContainer %s", containerID)
	if f.StopErr != nil {
		return f.StopErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return NewDockerError("StopContainer", "container", containerID, "container not found", ErrContainerNotFound)
	}
	c.Running = false
	c.Status = ContainerStatusExited
	return nil
}

func (f *FakeClient) RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemoveContainer %s", containerID)
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if _, ok := f.containers[containerID]; !ok {
		return NewDockerError("RemoveContainer", "container", containerID, "container not found", ErrContainerNotFound)
	}
	delete(f.containers, containerID)
	return nil
}

func (f *FakeClient) InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("InspectContainer %s", containerID)
	c, ok := f.containers[containerID]
	if !ok {
		return nil, NewDockerError("InspectContainer", "container", containerID, "container not found", ErrContainerNotFound)
	}
	copied := *c
	return &copied, nil
}

func (f *FakeClient) ListContainers(ctx context.Context, opts ListOptions) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListContainers")

	var result []ContainerInfo
	for _, c := range f.containers {
		if !opts.All && !c.Running {
			continue
		}
		if !matchesFilters(c, opts.Filters) {
			continue
		}
		result = append(result, *c)
	}
	return result, nil
}

func matchesFilters(c *ContainerInfo, filters map[string]string) bool {
	for key, value := range filters {
		if key != "label" {
			continue
		}
		parts := strings.SplitN(value, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if c.Labels[parts[0]] != parts[1] {
			return false
		}
	}
	return true
}

func (f *FakeClient) ExecProbe(ctx context.Context, containerID string, cmd []string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ExecProbe %s %s", containerID, strings.Join(cmd, " "))
	if f.ExecErr != nil {
		return 0, "", f.ExecErr
	}
	if _, ok := f.containers[containerID]; !ok {
		return 0, "", NewDockerError("ExecProbe", "container", containerID, "container not found", ErrContainerNotFound)
	}
	return f.ExecExitCode, f.ExecOutput, nil
}

func (f *FakeClient) Ping(ctx context.Context) error {
	return nil
}

func (f *FakeClient) Close() error {
	return nil
}
