package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RefreshToken is a long-lived credential exchanged for a new access token.
// Tokens are single use: a refresh revokes the presented token.
type RefreshToken struct {
	ID        string     `gorm:"type:uuid;primary_key" json:"id"`
	UserID    string     `gorm:"type:uuid;index;not null" json:"user_id"`
	Token     string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"-"`
	RemoteIP  string     `gorm:"type:varchar(64)" json:"remote_ip"`
	ExpiresAt time.Time  `gorm:"not null" json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (t *RefreshToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	return nil
}

func (t *RefreshToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}
