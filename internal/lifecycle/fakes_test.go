package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/models"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/runtime"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/store"
)

type fakeContainer struct {
	id      string
	name    string
	running bool
}

// fakeRuntime is an in-memory stand-in for the Docker runtime. Containers are
// addressable by id or deterministic name, matching the real adapter.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer

	createErr  error
	startErr   error
	stopErr    error
	removeErr  error
	inspectErr error

	created int
	removed []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) find(ref string) *fakeContainer {
	if c, ok := f.containers[ref]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.name == ref {
			return c
		}
	}
	return nil
}

func (f *fakeRuntime) CreateSandbox(ctx context.Context, spec runtime.SandboxSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return "", f.createErr
	}
	name := runtime.ContainerName(spec.SessionID)
	if f.find(name) != nil {
		return "", fmt.Errorf("container name %s already in use", name)
	}
	c := &fakeContainer{id: "ctr-" + spec.SessionID, name: name}
	f.containers[c.id] = c
	f.created++
	return c.id, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return f.startErr
	}
	c := f.find(ref)
	if c == nil {
		return errors.New("no such container")
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, ref string) (runtime.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inspectErr != nil {
		return runtime.ContainerState{}, f.inspectErr
	}
	c := f.find(ref)
	if c == nil {
		return runtime.ContainerState{}, nil
	}
	return runtime.ContainerState{Exists: true, Running: c.running, ID: c.id}, nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, ref string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopErr != nil {
		return f.stopErr
	}
	if c := f.find(ref); c != nil {
		c.running = false
	}
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, ref string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.removeErr != nil {
		return f.removeErr
	}
	c := f.find(ref)
	if c == nil {
		return nil // already gone is success
	}
	delete(f.containers, c.id)
	f.removed = append(f.removed, c.id)
	return nil
}

func (f *fakeRuntime) containerCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, c := range f.containers {
		if c.name == name {
			count++
		}
	}
	return count
}

// fakeEnqueuer records enqueued tasks without touching a broker.
type fakeEnqueuer struct {
	mu         sync.Mutex
	starts     []string
	stops      []string
	enqueueErr error
}

func (f *fakeEnqueuer) EnqueueStart(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.starts = append(f.starts, sessionID)
	return nil
}

func (f *fakeEnqueuer) EnqueueStop(ctx context.Context, sessionID, containerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.stops = append(f.stops, sessionID)
	return nil
}

// countingStore counts successful terminal transitions so tests can assert
// exactly-once marking under racing stop paths.
type countingStore struct {
	store.Store
	mu                  sync.Mutex
	terminalTransitions int
}

func (c *countingStore) CompareAndSetStatus(ctx context.Context, id, expected, next, message string) (bool, error) {
	ok, err := c.Store.CompareAndSetStatus(ctx, id, expected, next, message)
	if ok && models.IsTerminalStatus(next) {
		c.mu.Lock()
		c.terminalTransitions++
		c.mu.Unlock()
	}
	return ok, err
}

func (c *countingStore) terminalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalTransitions
}

// failingStore simulates a store outage for the reaper's sweep query.
type failingStore struct {
	*store.MemoryStore
	findErr error
}

func (f *failingStore) FindByStatusAndExpiry(ctx context.Context, statuses []string, expiredBefore time.Time) ([]models.Session, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.MemoryStore.FindByStatusAndExpiry(ctx, statuses, expiredBefore)
}
