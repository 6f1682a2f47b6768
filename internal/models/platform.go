package models

import (
	"time"

	"gorm.io/gorm"
)

// PlatformAccount is a messaging account an owner connected for publishing.
type PlatformAccount struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	OwnerID   string         `gorm:"size:36;not null;uniqueIndex:idx_account_owner_platform" json:"owner_id"`
	Platform  string         `gorm:"size:50;not null;uniqueIndex:idx_account_owner_platform" json:"platform"`
	ChatID    string         `gorm:"size:100" json:"chat_id"`
	BotToken  string         `gorm:"size:255" json:"-"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

// Profile is the slice of the user profile the scheduler reads to decide
// whether an owner is entitled to automation.
type Profile struct {
	ID                 string     `gorm:"primaryKey;size:36" json:"id"`
	IsApproved         bool       `gorm:"default:false" json:"is_approved"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Entitled reports whether automation may run for the profile at now.
func (p *Profile) Entitled(now time.Time) bool {
	if !p.IsApproved {
		return false
	}
	return p.SubscriptionEndsAt == nil || p.SubscriptionEndsAt.After(now)
}
