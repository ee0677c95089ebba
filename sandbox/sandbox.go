// Package sandbox implements the Sandbox Manager (C11): ephemeral
// container lifecycle via the Docker Engine API, resource caps, file
// staging, and dependency installation. Sandboxes are scoped resources —
// every Create must be matched by a Destroy on every exit path (§3.8); the
// Remote Executor Service (executor package) is the only production
// caller and destroys in a defer.
package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/agentium/governance-core/core"
)

// NetworkMode is the sandbox's egress posture.
type NetworkMode string

const (
	NetworkNone   NetworkMode = "none"
	NetworkBridge NetworkMode = "bridge"
)

// Config configures a single ephemeral container (§4.11).
type Config struct {
	Image         string
	CPUNanos      int64 // container.Resources.NanoCPUs
	MemoryLimitMB int64
	MaxDiskMB     int64
	Network       NetworkMode
	Labels        map[string]string
	Timeout       time.Duration // overall exec bound, 10s <= t <= 3600s
}

// Status is a sandbox's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusDestroyed Status = "destroyed"
)

// Sandbox is one ephemeral container record.
type Sandbox struct {
	ID          string
	ContainerID string
	AgentID     string
	Status      Status
	CreatedAt   time.Time
}

const sandboxLabel = "agentium.governance.role"
const ownerLabel = "agentium.governance.owner"

// Manager is the Sandbox Manager, the exclusive owner of container
// handles (§3.8).
type Manager struct {
	docker DockerAPI
	logger core.Logger

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// DockerAPI is the subset of *dockerclient.Client the Sandbox Manager
// uses, narrowed to an interface so tests can inject a fake instead of a
// live Docker daemon.
type DockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig interface{}, platform interface{}, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, config container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (dockerclient.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// New builds a Manager over a live Docker client configured via
// dockerclient.NewClientWithOpts(dockerclient.FromEnv,
// dockerclient.WithAPIVersionNegotiation()).
func New(docker DockerAPI, logger core.Logger) *Manager {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("sandbox")
	}
	return &Manager{docker: docker, logger: logger, sandboxes: map[string]*Sandbox{}}
}

// Create starts a new ephemeral container, pinned to cfg.Image, with
// resource caps and labels identifying it as a sandbox and its owner
// (§4.11). Environment disables Python bytecode caching and buffers
// stdout per the harness contract (§6.4).
func (m *Manager) Create(ctx context.Context, agentID string, cfg Config) (*Sandbox, error) {
	labels := map[string]string{sandboxLabel: "sandbox", ownerLabel: agentID}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	networkMode := container.NetworkMode(cfg.Network)
	if networkMode == "" {
		networkMode = container.NetworkMode(NetworkNone)
	}

	resp, err := m.docker.ContainerCreate(ctx,
		&container.Config{
			Image: cfg.Image,
			Env:   []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
			Labels: labels,
			Tty:   false,
		},
		&container.HostConfig{
			NetworkMode: networkMode,
			Resources: container.Resources{
				NanoCPUs: cfg.CPUNanos,
				Memory:   cfg.MemoryLimitMB * 1024 * 1024,
			},
			AutoRemove: false,
		},
		nil, nil, "",
	)
	if err != nil {
		return nil, core.WrapID("sandbox.Create", "infra", agentID, fmt.Errorf("%w: %v", core.ErrTransient, err))
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, core.WrapID("sandbox.Create", "infra", agentID, fmt.Errorf("%w: %v", core.ErrTransient, err))
	}

	sb := &Sandbox{
		ID: resp.ID, ContainerID: resp.ID, AgentID: agentID,
		Status: StatusRunning, CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.sandboxes[sb.ID] = sb
	m.mu.Unlock()

	m.logger.InfoWithContext(ctx, "sandbox created", map[string]interface{}{"sandbox_id": sb.ID, "agent_id": agentID})
	return sb, nil
}

// Destroy stops the container gracefully within 5 seconds then force
// removes it. Idempotent: already-absent containers are treated as
// success (§4.11).
func (m *Manager) Destroy(ctx context.Context, sandboxID, reason string) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[sandboxID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	graceful := 5
	if err := m.docker.ContainerStop(ctx, sb.ContainerID, container.StopOptions{Timeout: &graceful}); err != nil {
		m.logger.WarnWithContext(ctx, "sandbox graceful stop failed, forcing removal", map[string]interface{}{
			"sandbox_id": sandboxID, "error": err.Error(),
		})
	}
	if err := m.docker.ContainerRemove(ctx, sb.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		// A NotFound-class error here still counts as success: the
		// container is already gone, which is the desired end state.
		m.logger.WarnWithContext(ctx, "sandbox remove reported error, treating as idempotent success", map[string]interface{}{
			"sandbox_id": sandboxID, "error": err.Error(),
		})
	}

	m.mu.Lock()
	sb.Status = StatusDestroyed
	delete(m.sandboxes, sandboxID)
	m.mu.Unlock()

	m.logger.InfoWithContext(ctx, "sandbox destroyed", map[string]interface{}{"sandbox_id": sandboxID, "reason": reason})
	return nil
}

// List filters live sandboxes by owner and/or status; either may be empty
// to mean "any".
func (m *Manager) List(agentID string, status Status) []*Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Sandbox
	for _, sb := range m.sandboxes {
		if agentID != "" && sb.AgentID != agentID {
			continue
		}
		if status != "" && sb.Status != status {
			continue
		}
		clone := *sb
		out = append(out, &clone)
	}
	return out
}

// StageFiles copies input JSON, the user's code, and the fixed harness
// into /tmp/ inside the container (§4.11), bundled as a single tar stream
// the way docker's CopyToContainer API requires.
func (m *Manager) StageFiles(ctx context.Context, sandboxID string, files map[string][]byte) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[sandboxID]
	m.mu.Unlock()
	if !ok {
		return core.WrapID("sandbox.StageFiles", "not_found", sandboxID, core.ErrSandboxNotFound)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			return core.WrapID("sandbox.StageFiles", "infra", sandboxID, err)
		}
		if _, err := tw.Write(content); err != nil {
			return core.WrapID("sandbox.StageFiles", "infra", sandboxID, err)
		}
	}
	if err := tw.Close(); err != nil {
		return core.WrapID("sandbox.StageFiles", "infra", sandboxID, err)
	}

	if err := m.docker.CopyToContainer(ctx, sb.ContainerID, "/tmp/", &buf, container.CopyToContainerOptions{}); err != nil {
		return core.WrapID("sandbox.StageFiles", "infra", sandboxID, fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	return nil
}

// InstallDependencies pip-installs declared dependencies with a
// 120-second timeout (§4.11).
func (m *Manager) InstallDependencies(ctx context.Context, sandboxID string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	cmd := append([]string{"pip", "install", "--no-cache-dir"}, deps...)
	_, _, err := m.Exec(ctx, sandboxID, cmd)
	return err
}

// Exec runs cmd inside the sandbox's container and returns its stdout and
// stderr, demultiplexed into separate strings. Callers (executor package)
// are responsible for bounding ctx with the sandbox's configured
// timeout_seconds.
func (m *Manager) Exec(ctx context.Context, sandboxID string, cmd []string) (stdout, stderr string, err error) {
	m.mu.Lock()
	sb, ok := m.sandboxes[sandboxID]
	m.mu.Unlock()
	if !ok {
		return "", "", core.WrapID("sandbox.Exec", "not_found", sandboxID, core.ErrSandboxNotFound)
	}

	created, execErr := m.docker.ContainerExecCreate(ctx, sb.ContainerID, container.ExecOptions{
		Cmd: cmd, AttachStdout: true, AttachStderr: true,
	})
	if execErr != nil {
		return "", "", core.WrapID("sandbox.Exec", "infra", sandboxID, fmt.Errorf("%w: %v", core.ErrTransient, execErr))
	}

	resp, attachErr := m.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if attachErr != nil {
		return "", "", core.WrapID("sandbox.Exec", "infra", sandboxID, fmt.Errorf("%w: %v", core.ErrTransient, attachErr))
	}
	defer resp.Close()

	var outBuf, errBuf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		// Non-TTY exec attach multiplexes stdout/stderr with 8-byte frame
		// headers per the Engine API; StdCopy demuxes into separate buffers.
		_, copyErr := stdcopy.StdCopy(&outBuf, &errBuf, resp.Reader)
		done <- copyErr
	}()

	select {
	case <-ctx.Done():
		return outBuf.String(), errBuf.String(), core.WrapID("sandbox.Exec", "timeout", sandboxID, core.ErrExecutionTimeout)
	case copyErr := <-done:
		if copyErr != nil && copyErr != io.EOF {
			return outBuf.String(), errBuf.String(), core.WrapID("sandbox.Exec", "infra", sandboxID, fmt.Errorf("%w: %v", core.ErrTransient, copyErr))
		}
	}

	inspect, inspectErr := m.docker.ContainerExecInspect(ctx, created.ID)
	if inspectErr == nil && inspect.ExitCode != 0 {
		return outBuf.String(), errBuf.String(), fmt.Errorf("exec exited with status %d", inspect.ExitCode)
	}
	return outBuf.String(), errBuf.String(), nil
}
