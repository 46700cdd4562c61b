package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	// WorkspaceMountPath is the fixed in-container mount point for the
	// session's workspace directory.
	WorkspaceMountPath = "/workspace"

	// devServerPort is published so a dev server started inside the
	// sandbox is reachable from the host.
	devServerPort = "3000/tcp"

	sandboxUser = "node"
)

// holdCommand keeps the container alive so later exec calls have a running
// process tree to attach to.
var holdCommand = []string{"tail", "-f", "/dev/null"}

// DockerRuntime implements Runtime and ExecRuntime against the Docker engine.
type DockerRuntime struct {
	cli       *client.Client
	pullImage bool
}

// NewDockerRuntime connects to the Docker daemon and verifies it is reachable.
func NewDockerRuntime(pullImage bool) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	log.Println("Successfully connected to Docker daemon")
	return &DockerRuntime{cli: cli, pullImage: pullImage}, nil
}

// CreateSandbox creates the container backing a session. The container gets a
// deterministic name, the workspace bind mount, resource caps, and dropped
// privileges; it is not started here.
func (d *DockerRuntime) CreateSandbox(ctx context.Context, spec SandboxSpec) (string, error) {
	containerName := ContainerName(spec.SessionID)

	if d.pullImage {
		reader, err := d.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
		if err != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	config := &container.Config{
		Image:      spec.Image,
		Cmd:        holdCommand,
		WorkingDir: WorkspaceMountPath,
		User:       sandboxUser,
		ExposedPorts: nat.PortSet{
			devServerPort: struct{}{},
		},
		Env: []string{"TERM=xterm-256color"},
		Labels: map[string]string{
			"gitops.session.id": spec.SessionID,
			"gitops.owner.id":   spec.OwnerID,
		},
	}

	hostConfig := &container.HostConfig{
		Binds:           []string{fmt.Sprintf("%s:%s", spec.WorkspacePath, WorkspaceMountPath)},
		PublishAllPorts: true,
		CapDrop:         []string{"ALL"},
		SecurityOpt:     []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", containerName, err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, ref string) error {
	if err := d.cli.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", ref, err)
	}
	return nil
}

// InspectContainer reports the container's state. A missing container is a
// normal outcome (Exists=false), not an error.
func (d *DockerRuntime) InspectContainer(ctx context.Context, ref string) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, nil
		}
		return ContainerState{}, fmt.Errorf("failed to inspect container %s: %w", ref, err)
	}

	state := ContainerState{Exists: true, ID: info.ID}
	if info.State != nil {
		state.Running = info.State.Running
	}
	return state, nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, ref string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := d.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &seconds})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", ref, err)
	}
	return nil
}

// RemoveContainer removes the container. Already-gone containers are treated
// as success so cleanup stays idempotent.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, ref string, force bool) error {
	err := d.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: force})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", ref, err)
	}
	return nil
}

func (d *DockerRuntime) CreateExec(ctx context.Context, ref string, cmd []string, tty bool) (string, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, ref, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          tty,
		Env:          []string{"TERM=xterm-256color"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec in container %s: %w", ref, err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) AttachExec(ctx context.Context, execID string, tty bool) (ExecStream, error) {
	hijack, err := d.cli.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec %s: %w", execID, err)
	}
	return &hijackedStream{conn: hijack.Conn, reader: hijack.Reader, close: hijack.Close}, nil
}

func (d *DockerRuntime) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	err := d.cli.ContainerExecResize(ctx, execID, container.ResizeOptions{Height: rows, Width: cols})
	if err != nil {
		return fmt.Errorf("failed to resize exec %s: %w", execID, err)
	}
	return nil
}

// hijackedStream adapts Docker's hijacked connection to ExecStream.
type hijackedStream struct {
	conn   net.Conn
	reader *bufio.Reader
	close  func()
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *hijackedStream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *hijackedStream) Close() error {
	s.close()
	return nil
}

func (s *hijackedStream) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.conn.Close()
}
