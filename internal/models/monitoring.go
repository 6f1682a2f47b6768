package models

import (
	"time"
)

// ErrorLog records failures surfaced by the pipeline for the dashboard.
type ErrorLog struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Level        string     `gorm:"size:20;not null;index" json:"level"`   // ERROR, WARN
	Source       string     `gorm:"size:100;not null;index" json:"source"` // worker, reconciler, clock
	Platform     string     `gorm:"size:100;index" json:"platform"`
	WorkflowID   *string    `gorm:"size:36;index" json:"workflow_id"`
	QueueEntryID *string    `gorm:"size:36;index" json:"queue_entry_id"`
	Title        string     `gorm:"size:500;not null" json:"title"`
	Message      string     `gorm:"type:text;not null" json:"message"`
	Context      string     `gorm:"type:text" json:"context"`
	Resolved     bool       `gorm:"default:false;index" json:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// QueueSummary is the dashboard projection of the queue table.
type QueueSummary struct {
	Counts           map[QueueStatus]int64 `json:"counts"`
	UnresolvedErrors int64                 `json:"unresolved_errors"`
	LastCompletedAt  *time.Time            `json:"last_completed_at"`
	RecentErrors     []ErrorLog            `json:"recent_errors"`
}
