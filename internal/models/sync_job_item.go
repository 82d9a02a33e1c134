package models

import "time"

type SyncEventType string

const (
	EventJobStarted     SyncEventType = "job_started"
	EventBatchCompleted SyncEventType = "batch_completed"
	EventJobCompleted   SyncEventType = "job_completed"
	EventError          SyncEventType = "error"
	EventCanceled       SyncEventType = "canceled"
)

// SyncJobItem is an append-only audit entry for a job. The worker never reads it back.
type SyncJobItem struct {
	ID        string        `gorm:"column:id;primaryKey"`
	JobID     string        `gorm:"column:job_id;index"`
	EventType SyncEventType `gorm:"column:event_type"`
	Payload   JSONB         `gorm:"column:payload;type:jsonb"`
	CreatedAt time.Time     `gorm:"column:created_at"`
	Seq       int64         `gorm:"column:seq;->"` // assigned by the database
}

// TableName specifies the table name for GORM
func (SyncJobItem) TableName() string {
	return "sync_job_item"
}
