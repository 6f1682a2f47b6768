package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	PhaseGeneration = "generation"
	PhasePublish    = "publish"
)

// History is the append-only outcome of one queue entry attempt. There is at
// most one row per (queue entry, attempt).
type History struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	QueueEntryID   string         `gorm:"size:36;not null;uniqueIndex:idx_history_entry_attempt" json:"queue_entry_id"`
	Attempt        int            `gorm:"not null;uniqueIndex:idx_history_entry_attempt" json:"attempt"`
	WorkflowID     string         `gorm:"size:36;not null;index" json:"workflow_id"`
	OwnerID        string         `gorm:"size:36;not null;index" json:"owner_id"`
	Phase          string         `gorm:"size:16;not null" json:"phase"`
	Success        bool           `gorm:"not null" json:"success"`
	ExternalPostID string         `gorm:"size:255" json:"external_post_id,omitempty"`
	Response       datatypes.JSON `json:"response,omitempty"`
	ErrorMessage   string         `gorm:"type:text" json:"error_message,omitempty"`
	ErrorKind      string         `gorm:"size:32" json:"error_kind,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (History) TableName() string {
	return "queue_history"
}
