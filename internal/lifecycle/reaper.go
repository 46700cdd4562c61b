package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/models"
	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/store"
)

// logFailuresEvery throttles repeat store-unavailability logging so a long
// outage doesn't turn every sweep interval into a log line.
const logFailuresEvery = 10

// Reaper periodically finds sessions past their expiry deadline and drives
// them to EXPIRED through the controller's shared stop path.
type Reaper struct {
	store      store.Store
	controller *Controller
	interval   time.Duration

	consecutiveFailures int
}

func NewReaper(st store.Store, controller *Controller, interval time.Duration) *Reaper {
	return &Reaper{
		store:      st,
		controller: controller,
		interval:   interval,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (r *Reaper) Start(ctx context.Context) {
	log.Printf("Expiry reaper started (interval %s)", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Expiry reaper shutting down")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep expires every overdue non-terminal session. Sessions are handled on
// independent goroutines so one slow container cleanup never delays the
// rest; per-session failures are logged and never abort the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	sessions, err := r.store.FindByStatusAndExpiry(ctx, store.ActiveStatuses, time.Now())
	if err != nil {
		r.consecutiveFailures++
		if r.consecutiveFailures == 1 || r.consecutiveFailures%logFailuresEvery == 0 {
			log.Printf("Reaper: session store unavailable (%d consecutive failures): %v", r.consecutiveFailures, err)
		}
		return
	}
	if r.consecutiveFailures > 0 {
		log.Printf("Reaper: session store recovered after %d failed sweeps", r.consecutiveFailures)
		r.consecutiveFailures = 0
	}

	if len(sessions) == 0 {
		return
	}
	log.Printf("Reaper: found %d expired sessions", len(sessions))

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.controller.StopSession(ctx, id, models.SessionStatusExpired, ""); err != nil {
				log.Printf("Reaper: failed to expire session %s: %v", id, err)
			}
		}(session.ID)
	}
	wg.Wait()
}
