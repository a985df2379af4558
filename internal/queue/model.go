package queue

import "time"

// JobStatus enumerates the lifecycle of a queued sync job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// SyncJob is one durable unit of fan-out work. Jobs survive restarts;
// completed and failed rows are kept only as bounded recent history.
type SyncJob struct {
	ID               string    `gorm:"column:id;primaryKey;size:190;not null"`
	EventJSON        string    `gorm:"column:event_json;type:text;not null"`
	SourceCalendarID string    `gorm:"column:source_calendar_id;size:320;not null"`
	Priority         int       `gorm:"column:priority;not null;index:idx_sync_jobs_due,priority:2"`
	Status           JobStatus `gorm:"column:status;size:16;not null;index:idx_sync_jobs_due,priority:1"`
	Attempts         int       `gorm:"column:attempts;not null;default:0"`
	MaxAttempts      int       `gorm:"column:max_attempts;not null"`
	RunAfter         time.Time `gorm:"column:run_after;not null;index:idx_sync_jobs_due,priority:3"`
	LastError        string    `gorm:"column:last_error;type:text"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (SyncJob) TableName() string {
	return "sync_jobs"
}
