package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ProvisionError marks a failure during workspace setup so callers can tell
// a clone problem apart from a container problem.
type ProvisionError struct {
	Path   string
	Output string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("failed to provision workspace %s: %v: %s", e.Path, e.Err, e.Output)
	}
	return fmt.Sprintf("failed to provision workspace %s: %v", e.Path, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// IsProvisionError reports whether err originated in workspace provisioning.
func IsProvisionError(err error) bool {
	var pe *ProvisionError
	return errors.As(err, &pe)
}

// Manager allocates and destroys per-session workspace directories under a
// single root. Paths are derived deterministically from the session id.
type Manager struct {
	root         string
	cloneTimeout time.Duration
}

func NewManager(root string, cloneTimeout time.Duration) *Manager {
	return &Manager{root: root, cloneTimeout: cloneTimeout}
}

// PathFor returns the workspace directory for a session.
func (m *Manager) PathFor(sessionID string) string {
	return filepath.Join(m.root, fmt.Sprintf("session-%s", sessionID))
}

// Provision prepares the workspace directory. With a repo URL it clones the
// repository (checking out branch when given); otherwise it creates an empty
// directory. The clone is bounded by the manager's timeout so a hung network
// transfer surfaces as a provisioning failure instead of a stuck session.
func (m *Manager) Provision(ctx context.Context, sessionID, repoURL, branch string) (string, error) {
	dir := m.PathFor(sessionID)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &ProvisionError{Path: dir, Err: err}
	}

	if repoURL == "" {
		return dir, nil
	}

	cloneCtx := ctx
	if m.cloneTimeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, m.cloneTimeout)
		defer cancel()
	}

	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, dir)

	cmd := exec.CommandContext(cloneCtx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if cloneCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("clone timed out after %s", m.cloneTimeout)
		}
		return "", &ProvisionError{Path: dir, Output: strings.TrimSpace(string(out)), Err: err}
	}
	return dir, nil
}

// Destroy removes the workspace directory recursively. A missing directory is
// not an error; destroy may run redundantly from racing cleanup paths.
func (m *Manager) Destroy(sessionID string) error {
	return os.RemoveAll(m.PathFor(sessionID))
}
