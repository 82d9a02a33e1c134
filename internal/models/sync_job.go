package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type SyncJobStatus string

const (
	JobStatusQueued    SyncJobStatus = "queued"    // Waiting for a worker tick
	JobStatusRunning   SyncJobStatus = "running"   // Claimed at least once, checkpoint advancing
	JobStatusCompleted SyncJobStatus = "completed" // Last page applied
	JobStatusFailed    SyncJobStatus = "failed"    // Job-fatal error, see error_message
	JobStatusCanceled  SyncJobStatus = "canceled"  // User canceled, partial progress kept
)

// IsTerminal reports whether no further status transition is allowed
func (s SyncJobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// IsActive reports whether the job still counts against the one-active-job limit
func (s SyncJobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

type SyncJobType string

const (
	JobTypeGoogleContactsImport SyncJobType = "google_contacts_import"
)

// SyncJob is one contact import run for a user
type SyncJob struct {
	ID                    string        `gorm:"column:id;primaryKey"`
	UserID                string        `gorm:"column:user_id;index"`
	JobType               SyncJobType   `gorm:"column:job_type"`
	Status                SyncJobStatus `gorm:"column:status;index"`
	ProgressDone          int           `gorm:"column:progress_done"`
	ProgressTotalEstimate *int          `gorm:"column:progress_total_estimate"`
	ErrorMessage          *string       `gorm:"column:error_message"`
	StartedAt             *time.Time    `gorm:"column:started_at"`
	FinishedAt            *time.Time    `gorm:"column:finished_at"`
	Checkpoint            Checkpoint    `gorm:"column:checkpoint;type:jsonb"`
	JobParams             JobParams     `gorm:"column:job_params;type:jsonb"`
	LockedBy              *string       `gorm:"column:locked_by"`
	LockedUntil           *time.Time    `gorm:"column:locked_until"`
	CreatedAt             time.Time     `gorm:"column:created_at"`
	UpdatedAt             time.Time     `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (SyncJob) TableName() string {
	return "sync_job"
}

// CheckpointVersion is the schema tag written into every new checkpoint
const CheckpointVersion = 1

var ErrUnsupportedCheckpoint = errors.New("unsupported checkpoint version")

// Checkpoint is the resumable cursor of a job. The version tag lets future
// formats coexist with checkpoints written by older workers.
type Checkpoint struct {
	Version        int     `json:"version"`
	NextPageToken  *string `json:"next_page_token"`
	PageSize       int     `json:"page_size"`
	RunID          string  `json:"run_id"`
	LastExternalID *string `json:"last_external_id"`
}

// NewCheckpoint returns an empty cursor for a freshly enqueued job
func NewCheckpoint(runID string, pageSize int) Checkpoint {
	return Checkpoint{
		Version:  CheckpointVersion,
		PageSize: pageSize,
		RunID:    runID,
	}
}

// Validate rejects checkpoints this worker does not know how to resume
func (c Checkpoint) Validate() error {
	if c.Version != CheckpointVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedCheckpoint, c.Version)
	}
	if c.RunID == "" {
		return errors.New("checkpoint missing run_id")
	}
	return nil
}

// Advance returns the cursor after a page has been applied. RunID and
// PageSize are carried through unchanged.
func (c Checkpoint) Advance(nextPageToken string, lastExternalID string) Checkpoint {
	next := c
	next.NextPageToken = nil
	if nextPageToken != "" {
		next.NextPageToken = &nextPageToken
	}
	if lastExternalID != "" {
		next.LastExternalID = &lastExternalID
	}
	return next
}

// Value implements driver.Valuer for Checkpoint
func (c Checkpoint) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for Checkpoint
func (c *Checkpoint) Scan(value interface{}) error {
	if value == nil {
		*c = Checkpoint{}
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, c)
}

// Filter modes restricting which external records are imported
const (
	FilterAll              = "all"
	FilterWithEmail        = "with_email"
	FilterWithPhone        = "with_phone"
	FilterWithEmailOrPhone = "with_email_or_phone"
)

// JobParams is captured at enqueue time and never modified afterwards
type JobParams struct {
	FilterMode string `json:"filter_mode"`
	PageSize   int    `json:"page_size"`
}

// Value implements driver.Valuer for JobParams
func (p JobParams) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JobParams
func (p *JobParams) Scan(value interface{}) error {
	if value == nil {
		*p = JobParams{}
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, p)
}
