package lifecycle

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/models"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/runtime"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/store"
)

func TestSweepExpiresOverdueRunningSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, store.NewMemoryStore())
	reaper := NewReaper(env.store, env.controller, time.Minute)

	// Bring a session to RUNNING, then force its deadline into the past.
	session := &models.Session{
		ID:        "overdue",
		OwnerID:   "owner-1",
		Status:    models.SessionStatusPending,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, env.store.Create(ctx, session))
	require.NoError(t, env.controller.StartSession(ctx, "overdue"))

	live := seedSession(t, env.store, "live", models.SessionStatusPending, time.Now().Add(time.Hour))
	require.NoError(t, env.controller.StartSession(ctx, live.ID))

	reaper.Sweep(ctx)

	expired, err := env.store.Get(ctx, "overdue")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, expired.Status)
	assert.Nil(t, expired.ContainerID)

	state, err := env.runtime.InspectContainer(ctx, runtime.ContainerName("overdue"))
	require.NoError(t, err)
	assert.False(t, state.Exists)

	_, err = os.Stat(env.workspaces.PathFor("overdue"))
	assert.True(t, os.IsNotExist(err))

	// The unexpired session is untouched.
	untouched, err := env.store.Get(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, untouched.Status)
	liveState, err := env.runtime.InspectContainer(ctx, runtime.ContainerName("live"))
	require.NoError(t, err)
	assert.True(t, liveState.Running)
}

func TestSweepExpiresPendingWithDegenerateTTL(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, store.NewMemoryStore())
	reaper := NewReaper(env.store, env.controller, time.Minute)

	// A session whose deadline was already in the past at creation time is
	// expired by the first sweep without any other trigger.
	seedSession(t, env.store, "degenerate", models.SessionStatusPending, time.Now().Add(-time.Second))

	reaper.Sweep(ctx)

	session, err := env.store.Get(ctx, "degenerate")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusExpired, session.Status)
}

func TestSweepContinuesPastPerSessionFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, store.NewMemoryStore())
	reaper := NewReaper(env.store, env.controller, time.Minute)

	for _, id := range []string{"a", "b"} {
		session := &models.Session{
			ID:        id,
			OwnerID:   "owner-1",
			Status:    models.SessionStatusPending,
			ExpiresAt: time.Now().Add(-time.Minute),
		}
		require.NoError(t, env.store.Create(ctx, session))
		require.NoError(t, env.controller.StartSession(ctx, id))
	}

	// Container cleanup fails for everyone; both sessions must still reach
	// EXPIRED rather than one failure aborting the sweep.
	env.runtime.removeErr = assert.AnError

	reaper.Sweep(ctx)

	for _, id := range []string{"a", "b"} {
		session, err := env.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusExpired, session.Status)
	}
}

func TestSweepToleratesStoreOutage(t *testing.T) {
	ctx := context.Background()
	failing := &failingStore{MemoryStore: store.NewMemoryStore(), findErr: assert.AnError}
	env := newTestEnv(t, failing)
	reaper := NewReaper(failing, env.controller, time.Minute)

	// Repeated sweeps against a down store neither panic nor spam: the
	// failure counter keeps rising and logging is throttled.
	for i := 0; i < logFailuresEvery+2; i++ {
		reaper.Sweep(ctx)
	}
	assert.Equal(t, logFailuresEvery+2, reaper.consecutiveFailures)

	// Store comes back; the counter resets.
	failing.findErr = nil
	reaper.Sweep(ctx)
	assert.Zero(t, reaper.consecutiveFailures)
}

func TestSweepIsNotExclusiveWithExplicitStop(t *testing.T) {
	ctx := context.Background()
	counting := &countingStore{Store: store.NewMemoryStore()}
	env := newTestEnv(t, counting)
	reaper := NewReaper(counting, env.controller, time.Minute)

	session := &models.Session{
		ID:        "raced",
		OwnerID:   "owner-1",
		Status:    models.SessionStatusPending,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, env.store.Create(ctx, session))
	require.NoError(t, env.controller.StartSession(ctx, "raced"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, env.controller.StopSession(ctx, "raced", models.SessionStatusStopped, ""))
	}()
	reaper.Sweep(ctx)
	<-done

	// Exactly one of the racing paths marked the terminal status; cleanup ran
	// redundantly but idempotently.
	assert.Equal(t, 1, counting.terminalCount())

	got, err := env.store.Get(ctx, "raced")
	require.NoError(t, err)
	assert.True(t, got.IsTerminal())
	assert.Nil(t, got.ContainerID)

	state, err := env.runtime.InspectContainer(ctx, runtime.ContainerName("raced"))
	require.NoError(t, err)
	assert.False(t, state.Exists)
}
