package models

import (
	"time"

	"gorm.io/gorm"
)

// Lock event actions
const (
	ActionRequested = "requested"
	ActionAcquired  = "acquired"
	ActionFailed    = "failed"
	ActionReleased  = "released"
	ActionDestroyed = "destroyed"
)

type LockEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Timestamp time.Time      `gorm:"not null;index" json:"timestamp"`
	Action    string         `gorm:"not null;index" json:"action"`
	Kind      string         `gorm:"not null;default:''" json:"kind"`
	Backend   string         `gorm:"not null" json:"backend"`
	HandleID  string         `gorm:"index" json:"handle_id,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	ErrorMsg  string         `json:"error_msg,omitempty"`
	CreatedAt time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// StatusSample is one poll of the controller state. Duration is the
// sampling interval the sample stands for.
type StatusSample struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	Timestamp  time.Time      `gorm:"not null;index" json:"timestamp"`
	Kind       string         `gorm:"not null;default:'';index" json:"kind"`
	Backend    string         `gorm:"not null" json:"backend"`
	Status     string         `gorm:"not null" json:"status"` // "unknown", "held" or "released"
	Held       bool           `gorm:"not null;default:false" json:"held"`
	Visibility string         `gorm:"not null" json:"visibility"`
	Duration   int64          `gorm:"not null;default:0" json:"duration"` // Duration in seconds
	CreatedAt  time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

type KindSummary struct {
	Kind        string  `json:"kind"`
	HeldSeconds int64   `json:"held_seconds"`
	HeldMinutes float64 `json:"held_minutes"`
	HeldHours   float64 `json:"held_hours"`
	SampleCount int     `json:"sample_count"`
	Percentage  float64 `json:"percentage,omitempty"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int64  `json:"count"`
}

type ReportPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Type  string    `json:"type"` // "day", "week", "month"
}

type Report struct {
	Period         ReportPeriod  `json:"period"`
	Kinds          []KindSummary `json:"kinds"`
	Actions        []ActionCount `json:"actions"`
	HeldSeconds    int64         `json:"held_seconds"`
	HeldMinutes    float64       `json:"held_minutes"`
	HeldHours      float64       `json:"held_hours"`
	TrackedSeconds int64         `json:"tracked_seconds"`
	HeldPercentage float64       `json:"held_percentage"`
	GeneratedAt    time.Time     `json:"generated_at"`
}
