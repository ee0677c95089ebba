package sandbox_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/require"

	"github.com/agentium/governance-core/sandbox"
)

// fakeConn is a no-op net.Conn so dockerclient.HijackedResponse.Close can
// be called safely without a real connection.
type fakeConn struct{}

func (fakeConn) Read(b []byte) (int, error)         { return 0, io.EOF }
func (fakeConn) Write(b []byte) (int, error)         { return len(b), nil }
func (fakeConn) Close() error                        { return nil }
func (fakeConn) LocalAddr() net.Addr                 { return nil }
func (fakeConn) RemoteAddr() net.Addr                { return nil }
func (fakeConn) SetDeadline(t time.Time) error       { return nil }
func (fakeConn) SetReadDeadline(t time.Time) error    { return nil }
func (fakeConn) SetWriteDeadline(t time.Time) error   { return nil }

// fakeDocker is an in-memory stand-in for the Docker Engine API, tracking
// calls so tests can assert on create/stop/remove ordering without a live
// daemon.
type fakeDocker struct {
	nextID       int
	created      []string
	started      []string
	stopped      []string
	removed      []string
	copied       []string
	execResult   container.ExecInspect
	failCreate   bool
	execStdout   string
	execStderr   string
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ interface{}, _ interface{}, name string) (container.CreateResponse, error) {
	if f.failCreate {
		return container.CreateResponse{}, errFake
	}
	f.nextID++
	id := "container-" + itoa(f.nextID)
	f.created = append(f.created, id)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, _ container.StopOptions) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) CopyToContainer(ctx context.Context, id, dst string, content io.Reader, _ container.CopyToContainerOptions) error {
	f.copied = append(f.copied, id)
	_, _ = io.Copy(io.Discard, content)
	return nil
}

func (f *fakeDocker) ContainerExecCreate(ctx context.Context, id string, _ container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

// ContainerExecAttach returns a real Docker-framed multiplexed stream (8-byte
// stdcopy headers), matching what a non-TTY exec attach produces against a
// live daemon, so Manager.Exec's demuxing is actually exercised.
func (f *fakeDocker) ContainerExecAttach(ctx context.Context, execID string, _ container.ExecAttachOptions) (dockerclient.HijackedResponse, error) {
	var framed bytes.Buffer
	stdout := f.execStdout
	if stdout == "" {
		stdout = "ok"
	}
	_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stdout).Write([]byte(stdout))
	if f.execStderr != "" {
		_, _ = stdcopy.NewStdWriter(&framed, stdcopy.Stderr).Write([]byte(f.execStderr))
	}
	return dockerclient.HijackedResponse{
		Conn:   fakeConn{},
		Reader: bufio.NewReader(&framed),
	}, nil
}

func (f *fakeDocker) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return f.execResult, nil
}

var errFake = fakeErr("docker daemon unreachable")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestCreate_StartsContainerAndTracksSandbox(t *testing.T) {
	fd := &fakeDocker{}
	mgr := sandbox.New(fd, nil)

	sb, err := mgr.Create(context.Background(), "30001", sandbox.Config{Image: "governance-sandbox:latest", MemoryLimitMB: 256})
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusRunning, sb.Status)
	require.Len(t, fd.created, 1)
	require.Len(t, fd.started, 1)
}

func TestCreate_PropagatesDaemonError(t *testing.T) {
	fd := &fakeDocker{failCreate: true}
	mgr := sandbox.New(fd, nil)

	_, err := mgr.Create(context.Background(), "30001", sandbox.Config{Image: "x"})
	require.Error(t, err)
}

func TestDestroy_StopsThenRemoves(t *testing.T) {
	fd := &fakeDocker{}
	mgr := sandbox.New(fd, nil)
	sb, err := mgr.Create(context.Background(), "30001", sandbox.Config{Image: "x"})
	require.NoError(t, err)

	require.NoError(t, mgr.Destroy(context.Background(), sb.ID, "completed"))
	require.Len(t, fd.stopped, 1)
	require.Len(t, fd.removed, 1)
}

func TestDestroy_IsIdempotent(t *testing.T) {
	fd := &fakeDocker{}
	mgr := sandbox.New(fd, nil)
	sb, err := mgr.Create(context.Background(), "30001", sandbox.Config{Image: "x"})
	require.NoError(t, err)

	require.NoError(t, mgr.Destroy(context.Background(), sb.ID, "first"))
	require.NoError(t, mgr.Destroy(context.Background(), sb.ID, "second"))
}

func TestList_FiltersByAgentAndStatus(t *testing.T) {
	fd := &fakeDocker{}
	mgr := sandbox.New(fd, nil)
	_, err := mgr.Create(context.Background(), "30001", sandbox.Config{Image: "x"})
	require.NoError(t, err)
	_, err = mgr.Create(context.Background(), "30002", sandbox.Config{Image: "x"})
	require.NoError(t, err)

	only30001 := mgr.List("30001", "")
	require.Len(t, only30001, 1)
	require.Equal(t, "30001", only30001[0].AgentID)

	running := mgr.List("", sandbox.StatusRunning)
	require.Len(t, running, 2)
}

func TestStageFiles_CopiesIntoContainer(t *testing.T) {
	fd := &fakeDocker{}
	mgr := sandbox.New(fd, nil)
	sb, err := mgr.Create(context.Background(), "30001", sandbox.Config{Image: "x"})
	require.NoError(t, err)

	err = mgr.StageFiles(context.Background(), sb.ID, map[string][]byte{
		"tmp/input.json": []byte(`{"a":1}`),
		"tmp/code.py":    []byte("result = input_data['a'] + 1"),
	})
	require.NoError(t, err)
	require.Len(t, fd.copied, 1)
}

func TestStageFiles_UnknownSandbox(t *testing.T) {
	fd := &fakeDocker{}
	mgr := sandbox.New(fd, nil)
	err := mgr.StageFiles(context.Background(), "does-not-exist", map[string][]byte{"a": []byte("b")})
	require.Error(t, err)
}

func TestExec_DemuxesStdoutAndStderrSeparately(t *testing.T) {
	fd := &fakeDocker{execStdout: "printed to stdout", execStderr: "printed to stderr"}
	mgr := sandbox.New(fd, nil)

	sb, err := mgr.Create(context.Background(), "30001", sandbox.Config{Image: "governance-sandbox:latest", MemoryLimitMB: 256})
	require.NoError(t, err)

	stdout, stderr, err := mgr.Exec(context.Background(), sb.ID, []string{"python3", "/tmp/harness.py"})
	require.NoError(t, err)
	require.Equal(t, "printed to stdout", stdout)
	require.Equal(t, "printed to stderr", stderr)
}
