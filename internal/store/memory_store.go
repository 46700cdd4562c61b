package store

import (
	"context"
	"sync"
	"time"

	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/models"
)

// MemoryStore is an in-memory implementation of the Store interface.
// It is thread-safe and backs tests and single-process dev mode.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Session)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *MemoryStore) CompareAndSetStatus(ctx context.Context, id, expected, next, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if session.Status != expected {
		return false, nil
	}
	session.Status = next
	session.StatusMessage = message
	session.UpdatedAt = time.Now()
	if models.IsTerminalStatus(next) {
		now := time.Now()
		session.StoppedAt = &now
	}
	return true, nil
}

func (s *MemoryStore) SetContainerRef(ctx context.Context, id, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.ContainerID = &containerID
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ClearContainerRef(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.ContainerID = nil
	session.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) FindByStatusAndExpiry(ctx context.Context, statuses []string, expiredBefore time.Time) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.Session
	for _, session := range s.sessions {
		if !session.ExpiresAt.Before(expiredBefore) {
			continue
		}
		for _, status := range statuses {
			if session.Status == status {
				matched = append(matched, *session)
				break
			}
		}
	}
	return matched, nil
}

func (s *MemoryStore) CountActiveByOwner(ctx context.Context, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, session := range s.sessions {
		if session.OwnerID != ownerID || session.IsTerminal() {
			continue
		}
		count++
	}
	return count, nil
}
