package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/events"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/models"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/runtime"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/store"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/tasks"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/workspace"
)

// ErrPrecondition is returned when an operation is rejected because the
// session is not in a state that permits it.
var ErrPrecondition = errors.New("operation precondition failed")

// TaskEnqueuer hands lifecycle work to the asynchronous task queue.
type TaskEnqueuer interface {
	EnqueueStart(ctx context.Context, sessionID string) error
	EnqueueStop(ctx context.Context, sessionID, containerRef string) error
}

// Options tune the controller. Zero values select the defaults.
type Options struct {
	Image             string
	MemoryBytes       int64
	NanoCPUs          int64
	StopGrace         time.Duration
	MaxActivePerOwner int64
}

const (
	defaultImage       = "node:18-alpine"
	defaultMemoryBytes = 512 * 1024 * 1024
	defaultNanoCPUs    = 500_000_000 // 0.5 CPU
	defaultStopGrace   = 5 * time.Second
	defaultMaxActive   = 3
)

// Controller drives sessions through their state machine. All status writes
// go through the store's compare-and-set, so concurrent starts, stops, and
// reaper sweeps race on atomic transitions instead of locks.
type Controller struct {
	store      store.Store
	runtime    runtime.Runtime
	workspaces *workspace.Manager
	events     events.Publisher
	enqueuer   TaskEnqueuer
	opts       Options
}

func NewController(st store.Store, rt runtime.Runtime, ws *workspace.Manager, ev events.Publisher, enq TaskEnqueuer, opts Options) *Controller {
	if opts.Image == "" {
		opts.Image = defaultImage
	}
	if opts.MemoryBytes == 0 {
		opts.MemoryBytes = defaultMemoryBytes
	}
	if opts.NanoCPUs == 0 {
		opts.NanoCPUs = defaultNanoCPUs
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = defaultStopGrace
	}
	if opts.MaxActivePerOwner == 0 {
		opts.MaxActivePerOwner = defaultMaxActive
	}
	return &Controller{
		store:      st,
		runtime:    rt,
		workspaces: ws,
		events:     ev,
		enqueuer:   enq,
		opts:       opts,
	}
}

// CreateSession records a new PENDING session and enqueues its start task.
// The TTL is clamped to the allowed range; expiresAt is fixed here and never
// changes afterwards.
func (c *Controller) CreateSession(ctx context.Context, ownerID, repoURL, branch string, ttl time.Duration) (*models.Session, error) {
	active, err := c.store.CountActiveByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if active >= c.opts.MaxActivePerOwner {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, store.ErrTooManySessions)
	}

	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		RepoURL:   repoURL,
		Branch:    branch,
		Status:    models.SessionStatusPending,
		ExpiresAt: now.Add(models.ClampTTL(ttl)),
	}
	if err := c.store.Create(ctx, session); err != nil {
		return nil, err
	}

	if err := c.enqueuer.EnqueueStart(ctx, session.ID); err != nil {
		// Without a start task the session would hang in PENDING forever;
		// surface the failure on the record instead.
		if _, cerr := c.store.CompareAndSetStatus(ctx, session.ID, models.SessionStatusPending, models.SessionStatusFailed, "failed to enqueue start task"); cerr != nil {
			log.Printf("Failed to mark session %s FAILED after enqueue error: %v", session.ID, cerr)
		}
		return nil, fmt.Errorf("failed to enqueue start for session %s: %w", session.ID, err)
	}

	c.events.PublishStatus(ctx, session.ID, session.OwnerID, session.Status, "session created")
	log.Printf("Session %s created for owner %s (expires %s)", session.ID, ownerID, session.ExpiresAt.Format(time.RFC3339))
	return session, nil
}

// HandleStart implements tasks.Handler.
func (c *Controller) HandleStart(ctx context.Context, task tasks.StartPayload) error {
	return c.StartSession(ctx, task.SessionID)
}

// HandleStop implements tasks.Handler.
func (c *Controller) HandleStop(ctx context.Context, task tasks.StopPayload) error {
	err := c.StopSession(ctx, task.SessionID, models.SessionStatusStopped, task.ContainerRef)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("Stop task for unknown session %s, dropping", task.SessionID)
		return nil
	}
	return err
}

// StartSession drives a PENDING session to RUNNING. The PENDING→PROVISIONING
// claim makes duplicate triggers safe no-ops. Failures that are marked on the
// record return nil; only store errors propagate (redelivery is harmless once
// the claim is taken).
func (c *Controller) StartSession(ctx context.Context, sessionID string) error {
	session, err := c.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("Start task for unknown session %s, dropping", sessionID)
			return nil
		}
		return err
	}

	claimed, err := c.store.CompareAndSetStatus(ctx, sessionID, models.SessionStatusPending, models.SessionStatusProvisioning, "provisioning workspace")
	if err != nil {
		return err
	}
	if !claimed {
		log.Printf("Session %s is not PENDING (duplicate start trigger?), skipping", sessionID)
		return nil
	}
	c.events.PublishStatus(ctx, sessionID, session.OwnerID, models.SessionStatusProvisioning, "provisioning workspace")

	workspacePath, err := c.workspaces.Provision(ctx, sessionID, session.RepoURL, session.Branch)
	if err != nil {
		log.Printf("Workspace provisioning failed for session %s: %v", sessionID, err)
		if derr := c.workspaces.Destroy(sessionID); derr != nil {
			log.Printf("Failed to remove workspace for session %s: %v", sessionID, derr)
		}
		c.markFailed(ctx, session, fmt.Sprintf("workspace provisioning failed: %v", err))
		return nil
	}

	// Self-heal: a crashed prior attempt may have left a container under the
	// deterministic name.
	containerName := runtime.ContainerName(sessionID)
	state, err := c.runtime.InspectContainer(ctx, containerName)
	if err != nil {
		log.Printf("Inspect of %s failed for session %s: %v", containerName, sessionID, err)
		c.failStart(ctx, session, "", fmt.Sprintf("container inspect failed: %v", err))
		return nil
	}
	if state.Exists {
		log.Printf("Removing stale container %s for session %s", containerName, sessionID)
		if rerr := c.runtime.RemoveContainer(ctx, containerName, true); rerr != nil {
			log.Printf("Failed to remove stale container %s: %v", containerName, rerr)
			c.failStart(ctx, session, "", fmt.Sprintf("stale container removal failed: %v", rerr))
			return nil
		}
	}

	containerRef, err := c.runtime.CreateSandbox(ctx, runtime.SandboxSpec{
		SessionID:     sessionID,
		OwnerID:       session.OwnerID,
		WorkspacePath: workspacePath,
		Image:         c.opts.Image,
		MemoryBytes:   c.opts.MemoryBytes,
		NanoCPUs:      c.opts.NanoCPUs,
	})
	if err != nil {
		log.Printf("Container creation failed for session %s: %v", sessionID, err)
		c.failStart(ctx, session, "", fmt.Sprintf("container creation failed: %v", err))
		return nil
	}

	if err := c.runtime.StartContainer(ctx, containerRef); err != nil {
		log.Printf("Container start failed for session %s: %v", sessionID, err)
		c.failStart(ctx, session, containerRef, fmt.Sprintf("container start failed: %v", err))
		return nil
	}

	if err := c.store.SetContainerRef(ctx, sessionID, containerRef); err != nil {
		// Can't persist the reference; tear down rather than risk an orphan.
		// The session stays in PROVISIONING until the store recovers or the
		// reaper expires it.
		log.Printf("Failed to persist container ref for session %s: %v", sessionID, err)
		c.teardown(ctx, sessionID, containerRef)
		return err
	}

	running, err := c.store.CompareAndSetStatus(ctx, sessionID, models.SessionStatusProvisioning, models.SessionStatusRunning, "sandbox running")
	if err != nil {
		return err
	}
	if !running {
		// Lost the race to a concurrent terminal transition (explicit stop or
		// an already-expired TTL reaped mid-provision). The winner may have
		// run its cleanup before our container existed, so clean up again.
		log.Printf("Session %s was terminated during provisioning, tearing down", sessionID)
		c.teardown(ctx, sessionID, containerRef)
		if err := c.store.ClearContainerRef(ctx, sessionID); err != nil {
			log.Printf("Failed to clear container ref for session %s: %v", sessionID, err)
		}
		return nil
	}

	c.events.PublishStatus(ctx, sessionID, session.OwnerID, models.SessionStatusRunning, "sandbox running")
	log.Printf("Session %s is RUNNING (container %s)", sessionID, containerRef)
	return nil
}

// StopSession is the single shared stop path used by explicit stop requests
// and the expiry reaper. Cleanup runs before the terminal marking; cleanup
// errors are logged but never leave the session stuck in a non-terminal
// status. Calling it on an already-terminal session performs redundant
// (idempotent) cleanup and returns nil.
func (c *Controller) StopSession(ctx context.Context, sessionID, terminalStatus, refHint string) error {
	session, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.IsTerminal() {
		c.cleanup(ctx, session, refHint)
		return nil
	}

	c.cleanup(ctx, session, refHint)

	message := terminalMessage(terminalStatus)
	claimed, err := c.store.CompareAndSetStatus(ctx, sessionID, session.Status, terminalStatus, message)
	if err != nil {
		return err
	}
	if !claimed {
		// The status moved under us: either a racing stop/reap already marked
		// it terminal, or a start transition landed in between. Retry once
		// against the fresh status.
		fresh, ferr := c.store.Get(ctx, sessionID)
		if ferr != nil {
			return ferr
		}
		if fresh.IsTerminal() {
			log.Printf("Session %s already terminal (%s), skipping marking", sessionID, fresh.Status)
			return nil
		}
		claimed, err = c.store.CompareAndSetStatus(ctx, sessionID, fresh.Status, terminalStatus, message)
		if err != nil {
			return err
		}
		if !claimed {
			log.Printf("Session %s status changed again concurrently, skipping marking", sessionID)
			return nil
		}
	}

	if err := c.store.ClearContainerRef(ctx, sessionID); err != nil {
		log.Printf("Failed to clear container ref for session %s: %v", sessionID, err)
	}
	c.events.PublishStatus(ctx, sessionID, session.OwnerID, terminalStatus, message)
	log.Printf("Session %s marked %s", sessionID, terminalStatus)
	return nil
}

// cleanup removes the session's container and workspace. Every step is
// idempotent and every failure is logged; none of them aborts the others.
func (c *Controller) cleanup(ctx context.Context, session *models.Session, refHint string) {
	ref := refHint
	if ref == "" {
		ref = session.ContainerRef()
	}

	if ref != "" {
		state, err := c.runtime.InspectContainer(ctx, ref)
		if err != nil {
			log.Printf("Inspect of container %s failed for session %s: %v", ref, session.ID, err)
			// Still attempt removal; force-remove tolerates most states.
			state = runtime.ContainerState{Exists: true}
		}
		if state.Exists {
			if state.Running {
				if serr := c.runtime.StopContainer(ctx, ref, c.opts.StopGrace); serr != nil {
					log.Printf("Failed to stop container %s for session %s: %v", ref, session.ID, serr)
				}
			}
			if rerr := c.runtime.RemoveContainer(ctx, ref, true); rerr != nil {
				log.Printf("Failed to remove container %s for session %s: %v", ref, session.ID, rerr)
			}
		}
	} else {
		// No reference was ever recorded; the container may still exist under
		// the deterministic name if the crash hit between create and persist.
		name := runtime.ContainerName(session.ID)
		if rerr := c.runtime.RemoveContainer(ctx, name, true); rerr != nil {
			log.Printf("Failed to remove container %s for session %s: %v", name, session.ID, rerr)
		}
	}

	// Workspace removal is mandatory regardless of container cleanup outcome.
	if derr := c.workspaces.Destroy(session.ID); derr != nil {
		log.Printf("Failed to remove workspace for session %s: %v", session.ID, derr)
	}
}

// failStart tears down whatever the failed start created and marks the
// session FAILED.
func (c *Controller) failStart(ctx context.Context, session *models.Session, containerRef, message string) {
	c.teardown(ctx, session.ID, containerRef)
	c.markFailed(ctx, session, message)
}

// teardown force-removes the session's container (by ref when known, by
// deterministic name otherwise) and destroys the workspace.
func (c *Controller) teardown(ctx context.Context, sessionID, containerRef string) {
	ref := containerRef
	if ref == "" {
		ref = runtime.ContainerName(sessionID)
	}
	if err := c.runtime.RemoveContainer(ctx, ref, true); err != nil {
		log.Printf("Failed to remove container %s for session %s: %v", ref, sessionID, err)
	}
	if err := c.workspaces.Destroy(sessionID); err != nil {
		log.Printf("Failed to remove workspace for session %s: %v", sessionID, err)
	}
}

func (c *Controller) markFailed(ctx context.Context, session *models.Session, message string) {
	claimed, err := c.store.CompareAndSetStatus(ctx, session.ID, models.SessionStatusProvisioning, models.SessionStatusFailed, message)
	if err != nil {
		log.Printf("Failed to mark session %s FAILED: %v", session.ID, err)
		return
	}
	if !claimed {
		log.Printf("Session %s left PROVISIONING concurrently, not marking FAILED", session.ID)
		return
	}
	c.events.PublishStatus(ctx, session.ID, session.OwnerID, models.SessionStatusFailed, message)
	log.Printf("Session %s marked FAILED: %s", session.ID, message)
}

func terminalMessage(status string) string {
	if status == models.SessionStatusExpired {
		return "session expired"
	}
	return "stopped by request"
}
