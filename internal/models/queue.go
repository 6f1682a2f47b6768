package models

import (
	"time"

	"gorm.io/datatypes"
)

type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusGenerating QueueStatus = "generating"
	StatusReady      QueueStatus = "ready"
	StatusPosting    QueueStatus = "posting"
	StatusCompleted  QueueStatus = "completed"
	StatusFailed     QueueStatus = "failed"
)

// InFlightStatuses are the states in which a workflow counts as running.
var InFlightStatuses = []QueueStatus{StatusGenerating, StatusReady, StatusPosting}

// ActiveStatuses block a new entry for the same workflow.
var ActiveStatuses = []QueueStatus{StatusPending, StatusGenerating, StatusReady, StatusPosting}

// CeilingStatuses count against the per-owner concurrency ceiling.
var CeilingStatuses = []QueueStatus{StatusGenerating, StatusPosting}

var transitions = map[QueueStatus][]QueueStatus{
	StatusPending:    {StatusGenerating},
	StatusGenerating: {StatusReady, StatusFailed},
	StatusReady:      {StatusPosting},
	StatusPosting:    {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether from -> to is an edge of the queue state machine.
func CanTransition(from, to QueueStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// QueueEntry is one attempt to generate and publish one piece of content.
// Prompt, caption and targets are copied from the workflow so the entry can
// complete even if the workflow is edited or deleted meanwhile.
type QueueEntry struct {
	ID                  string                      `gorm:"primaryKey;size:36" json:"id"`
	WorkflowID          string                      `gorm:"size:36;not null;index" json:"workflow_id"`
	OwnerID             string                      `gorm:"size:36;not null;index" json:"owner_id"`
	ContentKind         ContentKind                 `gorm:"size:16;not null" json:"content_kind"`
	Prompt              string                      `gorm:"type:text;not null" json:"prompt"`
	Caption             string                      `gorm:"type:text" json:"caption"`
	Platforms           datatypes.JSONSlice[string] `json:"platforms"`
	DurationSeconds     int                         `json:"duration_seconds"`
	AspectRatio         string                      `gorm:"size:16" json:"aspect_ratio"`
	ReferenceImageURL   string                      `gorm:"type:text" json:"reference_image_url,omitempty"`
	Model               string                      `gorm:"size:100" json:"model,omitempty"`
	Trigger             string                      `gorm:"size:16;default:'schedule'" json:"trigger"`
	Status              QueueStatus                 `gorm:"size:16;not null;default:'pending';index" json:"status"`
	StatusPercentage    int                         `gorm:"default:0" json:"status_percentage"`
	ContentURL          *string                     `gorm:"type:text" json:"content_url"`
	JobHandle           *string                     `gorm:"size:255" json:"job_handle,omitempty"`
	ErrorMessage        *string                     `gorm:"type:text" json:"error_message"`
	ErrorKind           string                      `gorm:"size:32" json:"error_kind,omitempty"`
	RetryCount          int                         `gorm:"default:0" json:"retry_count"`
	MaxRetries          int                         `gorm:"default:3" json:"max_retries"`
	GenerationStartedAt *time.Time                  `json:"generation_started_at"`
	GenerationEndedAt   *time.Time                  `json:"generation_ended_at"`
	PublishStartedAt    *time.Time                  `json:"publish_started_at"`
	CompletedAt         *time.Time                  `json:"completed_at"`
	PolledAt            *time.Time                  `json:"polled_at,omitempty"`
	CreatedAt           time.Time                   `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (QueueEntry) TableName() string {
	return "queue_entries"
}

// Terminal reports whether the entry will never move again on its own.
func (e *QueueEntry) Terminal() bool {
	switch e.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return e.RetryCount >= e.MaxRetries
	}
	return false
}

// LastActivity is the newest timestamp proving someone worked on the entry.
func (e *QueueEntry) LastActivity() time.Time {
	last := e.UpdatedAt
	for _, t := range []*time.Time{e.PolledAt, e.GenerationStartedAt, e.PublishStartedAt} {
		if t != nil && t.After(last) {
			last = *t
		}
	}
	return last
}
