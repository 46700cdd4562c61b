package runtime

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ContainerName returns the deterministic container name for a session.
// Stop paths that lost the recorded container id fall back to this name.
func ContainerName(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// SandboxSpec describes the container backing one session.
type SandboxSpec struct {
	SessionID     string
	OwnerID       string
	WorkspacePath string
	Image         string
	MemoryBytes   int64
	NanoCPUs      int64
}

// ContainerState is the normalized result of an inspect. A missing container
// is reported as Exists=false, never as an error.
type ContainerState struct {
	Exists  bool
	Running bool
	ID      string
}

// Runtime is the lifecycle surface of the container runtime. Remove with
// force=true is a no-op for containers that are already gone.
type Runtime interface {
	CreateSandbox(ctx context.Context, spec SandboxSpec) (string, error)
	StartContainer(ctx context.Context, ref string) error
	InspectContainer(ctx context.Context, ref string) (ContainerState, error)
	StopContainer(ctx context.Context, ref string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, ref string, force bool) error
}

// ExecStream is a duplex byte stream attached to an interactive exec.
type ExecStream interface {
	io.ReadWriteCloser
	CloseWrite() error
}

// ExecRuntime is the surface the terminal bridge needs.
type ExecRuntime interface {
	InspectContainer(ctx context.Context, ref string) (ContainerState, error)
	CreateExec(ctx context.Context, ref string, cmd []string, tty bool) (string, error)
	AttachExec(ctx context.Context, execID string, tty bool) (ExecStream, error)
	ResizeExec(ctx context.Context, execID string, rows, cols uint) error
}
