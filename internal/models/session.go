package models

import "time"

const (
	SessionStatusPending      = "PENDING"
	SessionStatusProvisioning = "PROVISIONING"
	SessionStatusRunning      = "RUNNING"
	SessionStatusStopped      = "STOPPED"
	SessionStatusExpired      = "EXPIRED"
	SessionStatusFailed       = "FAILED"
)

// Requested lifetimes are clamped into [MinSessionTTL, MaxSessionTTL];
// a zero request gets DefaultSessionTTL.
const (
	MinSessionTTL     = 5 * time.Minute
	MaxSessionTTL     = 120 * time.Minute
	DefaultSessionTTL = 30 * time.Minute
)

// Session captures the lifecycle of one ephemeral sandbox: a cloned
// repository mounted into a dedicated container, reaped at ExpiresAt.
type Session struct {
	ID            string     `gorm:"primaryKey;column:id"`
	OwnerID       string     `gorm:"index;column:owner_id"`
	RepoURL       string     `gorm:"column:repo_url"`
	Branch        string     `gorm:"column:branch"`
	Status        string     `gorm:"index;column:status"`
	StatusMessage string     `gorm:"column:status_message"`
	ContainerID   *string    `gorm:"column:container_id"`
	ExpiresAt     time.Time  `gorm:"index;column:expires_at"`
	StoppedAt     *time.Time `gorm:"column:stopped_at"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (Session) TableName() string {
	return "sandbox_sessions"
}

// IsTerminal reports whether the session has reached a final status.
// Terminal sessions never transition again.
func (s *Session) IsTerminal() bool {
	return IsTerminalStatus(s.Status)
}

func IsTerminalStatus(status string) bool {
	switch status {
	case SessionStatusStopped, SessionStatusExpired, SessionStatusFailed:
		return true
	}
	return false
}

// ContainerRef returns the recorded container id, or "" when none is set.
func (s *Session) ContainerRef() string {
	if s.ContainerID == nil {
		return ""
	}
	return *s.ContainerID
}

// ClampTTL bounds a requested session lifetime.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return DefaultSessionTTL
	}
	if ttl < MinSessionTTL {
		return MinSessionTTL
	}
	if ttl > MaxSessionTTL {
		return MaxSessionTTL
	}
	return ttl
}
