package sync

import "time"

// SyncStatus enumerates the lifecycle of an event mapping.
type SyncStatus string

const (
	// SyncStatusPending marks a mapping whose fan-out is still in flight.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusCompleted marks a mapping whose fan-out has settled.
	SyncStatusCompleted SyncStatus = "completed"
	// SyncStatusFailed marks a mapping whose fan-out aborted before settling.
	SyncStatusFailed SyncStatus = "failed"
)

// LogStatus enumerates audit entry severities.
type LogStatus string

const (
	LogStatusInfo    LogStatus = "info"
	LogStatusSuccess LogStatus = "success"
	LogStatusError   LogStatus = "error"
)

// CalendarConfig models one managed calendar account. The configuration
// surface owns writes; the engine reads it to compute fan-out targets.
// Accounts are never deleted, only deactivated.
type CalendarConfig struct {
	CalendarID        string    `gorm:"column:calendar_id;primaryKey;size:320;not null" json:"calendar_id"`
	CalendarName      string    `gorm:"column:calendar_name;size:320" json:"calendar_name"`
	CalendarAlias     string    `gorm:"column:calendar_alias;size:190;not null" json:"calendar_alias"`
	IsActive          bool      `gorm:"column:is_active;not null;default:true" json:"is_active"`
	CredentialRef     string    `gorm:"column:credential_ref;size:512" json:"-"`
	WebhookID         string    `gorm:"column:webhook_id;size:190" json:"webhook_id,omitempty"`
	WebhookResourceID string    `gorm:"column:webhook_resource_id;size:190" json:"webhook_resource_id,omitempty"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (CalendarConfig) TableName() string {
	return "calendar_configs"
}

// EventMapping links one source event to the block events generated from it.
// At most one mapping exists per (original event, original calendar) pair.
type EventMapping struct {
	ID                 string     `gorm:"column:id;primaryKey;size:190;not null"`
	OriginalEventID    string     `gorm:"column:original_event_id;size:190;not null;uniqueIndex:idx_mappings_origin,priority:1"`
	OriginalCalendarID string     `gorm:"column:original_calendar_id;size:320;not null;uniqueIndex:idx_mappings_origin,priority:2"`
	OriginalSummary    string     `gorm:"column:original_summary;size:1024"`
	EventStart         string     `gorm:"column:event_start;size:64"`
	EventEnd           string     `gorm:"column:event_end;size:64"`
	SyncStatus         SyncStatus `gorm:"column:sync_status;size:32;not null"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (EventMapping) TableName() string {
	return "event_mappings"
}

// BlockEvent records one generated placeholder on a target calendar. At most
// one exists per (mapping, target calendar) pair.
type BlockEvent struct {
	ID               int64     `gorm:"column:id;primaryKey;autoIncrement"`
	MappingID        string    `gorm:"column:mapping_id;size:190;not null;uniqueIndex:idx_blocks_target,priority:1;index"`
	BlockEventID     string    `gorm:"column:block_event_id;size:190;not null"`
	TargetCalendarID string    `gorm:"column:target_calendar_id;size:320;not null;uniqueIndex:idx_blocks_target,priority:2"`
	BlockTitle       string    `gorm:"column:block_title;size:320"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (BlockEvent) TableName() string {
	return "block_events"
}

// SyncLog is an append-only audit record of sync activity. The engine never
// mutates or deletes rows; retention is an external concern.
type SyncLog struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	EventType  string    `gorm:"column:event_type;size:64;not null;index:idx_sync_logs_type" json:"event_type"`
	CalendarID string    `gorm:"column:calendar_id;size:320" json:"calendar_id"`
	EventID    *string   `gorm:"column:event_id;size:190" json:"event_id,omitempty"`
	Status     LogStatus `gorm:"column:status;size:16;not null" json:"status"`
	Message    string    `gorm:"column:message;type:text" json:"message"`
	Metadata   string    `gorm:"column:metadata;type:text" json:"metadata,omitempty"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime;index:idx_sync_logs_time" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (SyncLog) TableName() string {
	return "sync_logs"
}
