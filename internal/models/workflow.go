package models

import (
	"time"

	"gorm.io/datatypes"
)

type ContentKind string

const (
	ContentVideo ContentKind = "video"
	ContentImage ContentKind = "image"
)

type Cadence string

const (
	CadenceHourly Cadence = "hourly"
	CadenceDaily  Cadence = "daily"
)

// Workflow is a user's recurring generate-and-publish definition. It is
// owned by the workflow builder; the pipeline only reads it.
type Workflow struct {
	ID                string                      `gorm:"primaryKey;size:36" json:"id" validate:"required"`
	OwnerID           string                      `gorm:"size:36;not null;index" json:"owner_id" validate:"required"`
	Name              string                      `gorm:"size:200" json:"name"`
	Active            bool                        `gorm:"default:false;index" json:"active"`
	ContentKind       ContentKind                 `gorm:"size:16;not null" json:"content_kind" validate:"oneof=video image"`
	PromptTemplate    string                      `gorm:"type:text;not null" json:"prompt_template" validate:"required"`
	CaptionTemplate   string                      `gorm:"type:text" json:"caption_template"`
	Platforms         datatypes.JSONSlice[string] `json:"platforms" validate:"dive,required"`
	Cadence           Cadence                     `gorm:"size:16;not null" json:"cadence" validate:"oneof=hourly daily"`
	HourOfDay         int                         `json:"hour_of_day" validate:"min=0,max=23"`
	MinuteOfHour      int                         `json:"minute_of_hour" validate:"min=0,max=59"`
	ReferenceImageURL string                      `gorm:"type:text" json:"reference_image_url,omitempty" validate:"omitempty,url"`
	DurationSeconds   int                         `json:"duration_seconds" validate:"min=0,max=600"`
	AspectRatio       string                      `gorm:"size:16" json:"aspect_ratio"`
	Model             string                      `gorm:"size:100" json:"model,omitempty"`
	Parameters        datatypes.JSONMap           `json:"parameters,omitempty"`
	CreatedAt         time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

// Schedule holds the next due instant of one workflow. The cadence columns
// are a snapshot of what NextRunAt was computed from.
type Schedule struct {
	WorkflowID   string     `gorm:"primaryKey;size:36" json:"workflow_id"`
	Cadence      Cadence    `gorm:"size:16;not null" json:"cadence"`
	HourOfDay    int        `json:"hour_of_day"`
	MinuteOfHour int        `json:"minute_of_hour"`
	NextRunAt    time.Time  `gorm:"not null;index" json:"next_run_at"`
	LastRunAt    *time.Time `json:"last_run_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Schedule) TableName() string {
	return "workflow_schedules"
}

// Matches reports whether the schedule was computed from the workflow's
// current cadence.
func (s *Schedule) Matches(wf *Workflow) bool {
	if s.Cadence != wf.Cadence {
		return false
	}
	if s.MinuteOfHour != wf.MinuteOfHour {
		return false
	}
	return wf.Cadence == CadenceHourly || s.HourOfDay == wf.HourOfDay
}
