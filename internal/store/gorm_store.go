package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Kunj-Sharma03/GitOps-Nexus/internal/models"
)

// GormStore persists sessions in Postgres via gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *GormStore) Create(ctx context.Context, session *models.Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

// CompareAndSetStatus performs a conditional status transition. The WHERE
// clause carries the expected status, so concurrent writers race on a single
// atomic UPDATE and exactly one of them observes RowsAffected == 1.
func (s *GormStore) CompareAndSetStatus(ctx context.Context, id, expected, next, message string) (bool, error) {
	updates := map[string]interface{}{
		"status":         next,
		"status_message": message,
		"updated_at":     time.Now(),
	}
	if models.IsTerminalStatus(next) {
		now := time.Now()
		updates["stopped_at"] = &now
	}
	res := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) SetContainerRef(ctx context.Context, id, containerID string) error {
	return s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"container_id": &containerID,
			"updated_at":   time.Now(),
		}).Error
}

func (s *GormStore) ClearContainerRef(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"container_id": gorm.Expr("NULL"),
			"updated_at":   time.Now(),
		}).Error
}

func (s *GormStore) FindByStatusAndExpiry(ctx context.Context, statuses []string, expiredBefore time.Time) ([]models.Session, error) {
	var sessions []models.Session
	if err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Where("expires_at < ?", expiredBefore).
		Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *GormStore) CountActiveByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("owner_id = ?", ownerID).
		Where("status IN ?", ActiveStatuses).
		Count(&count).Error
	return count, err
}
