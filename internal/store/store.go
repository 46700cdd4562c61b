package store

import (
	"context"
	"errors"
	"time"

	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/models"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("maximum active sessions limit reached")
)

// Store defines the persistence operations the orchestrator needs.
// CompareAndSetStatus is the atomic primitive every lifecycle transition
// goes through; it returns false when another writer got there first.
type Store interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Create(ctx context.Context, session *models.Session) error
	CompareAndSetStatus(ctx context.Context, id, expected, next, message string) (bool, error)
	SetContainerRef(ctx context.Context, id, containerID string) error
	ClearContainerRef(ctx context.Context, id string) error
	FindByStatusAndExpiry(ctx context.Context, statuses []string, expiredBefore time.Time) ([]models.Session, error)
	CountActiveByOwner(ctx context.Context, ownerID string) (int64, error)
}

// ActiveStatuses are the non-terminal statuses a session can hold.
var ActiveStatuses = []string{
	models.SessionStatusPending,
	models.SessionStatusProvisioning,
	models.SessionStatusRunning,
}
