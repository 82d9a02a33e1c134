package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound   = errors.New("sync job not found")
	ErrNotCancelable = errors.New("sync job is not cancelable")
	// ErrJobNotOwned means a conditional worker write matched no row: the job was
	// canceled, already finished, or its lease passed to another tick.
	ErrJobNotOwned = errors.New("sync job is no longer owned by this tick")
)

var activeStatuses = []models.SyncJobStatus{models.JobStatusQueued, models.JobStatusRunning}

// ClaimResult is the job a tick won, and whether this claim performed queued -> running
type ClaimResult struct {
	Job     models.SyncJob
	Started bool
}

type SyncJobRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSyncJobRepository(db *gorm.DB) *SyncJobRepository {
	return &SyncJobRepository{db: db, now: time.Now}
}

// GetActive retrieves the queued or running job of the given type for a user
func (r *SyncJobRepository) GetActive(ctx context.Context, userID string, jobType models.SyncJobType) (*models.SyncJob, error) {
	var job models.SyncJob
	result := r.db.WithContext(ctx).
		Where("user_id = ? AND job_type = ? AND status IN ?", userID, jobType, activeStatuses).
		First(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get active job: %w", result.Error)
	}
	return &job, nil
}

// CreateIfNoActive inserts a queued job unless the user already has an active one,
// in which case the existing job is returned and created is false. The partial unique
// index on (user_id, job_type) decides races between concurrent callers.
func (r *SyncJobRepository) CreateIfNoActive(ctx context.Context, job models.SyncJob) (*models.SyncJob, bool, error) {
	// Two attempts: the active job we lost to may finish before we read it back
	for attempt := 0; attempt < 2; attempt++ {
		result := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&job)
		if result.Error != nil {
			return nil, false, fmt.Errorf("failed to create sync job: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			return &job, true, nil
		}

		existing, err := r.GetActive(ctx, job.UserID, job.JobType)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrJobNotFound) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("failed to create sync job: active job conflict for user %s", job.UserID)
}

// GetByID retrieves a job regardless of owner
func (r *SyncJobRepository) GetByID(ctx context.Context, jobID string) (*models.SyncJob, error) {
	var job models.SyncJob
	result := r.db.WithContext(ctx).First(&job, "id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", result.Error)
	}
	return &job, nil
}

// GetForUser retrieves a job only if it belongs to the user
func (r *SyncJobRepository) GetForUser(ctx context.Context, userID string, jobID string) (*models.SyncJob, error) {
	var job models.SyncJob
	result := r.db.WithContext(ctx).First(&job, "id = ? AND user_id = ?", jobID, userID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", result.Error)
	}
	return &job, nil
}

// ListForUser retrieves a user's most recent jobs, newest first
func (r *SyncJobRepository) ListForUser(ctx context.Context, userID string, limit int) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	result := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", result.Error)
	}
	return jobs, nil
}

// Claim picks at most one eligible job across all users (queued before running,
// oldest first) and leases it to tickID. Rows locked by a concurrent claim are
// skipped, so two ticks never win the same job. Returns nil when nothing is eligible.
func (r *SyncJobRepository) Claim(ctx context.Context, tickID string, lease time.Duration) (*ClaimResult, error) {
	var claimed *ClaimResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()

		var candidates []models.SyncJob
		result := tx.Raw(`
			SELECT *
			FROM sync_job
			WHERE status IN ?
			  AND (locked_until IS NULL OR locked_until < ?)
			ORDER BY CASE WHEN status = ? THEN 0 ELSE 1 END, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, activeStatuses, now, models.JobStatusQueued).Scan(&candidates)
		if result.Error != nil {
			return fmt.Errorf("failed to select claimable job: %w", result.Error)
		}
		if len(candidates) == 0 {
			return nil
		}

		job := candidates[0]
		lockedUntil := now.Add(lease)
		updates := map[string]interface{}{
			"locked_by":    tickID,
			"locked_until": lockedUntil,
			"updated_at":   now,
		}
		started := false
		if job.Status == models.JobStatusQueued {
			updates["status"] = models.JobStatusRunning
			updates["started_at"] = now
			started = true
		}

		result = tx.Model(&models.SyncJob{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to claim job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		job.LockedBy = &tickID
		job.LockedUntil = &lockedUntil
		job.UpdatedAt = now
		if started {
			job.Status = models.JobStatusRunning
			job.StartedAt = &now
		}
		claimed = &ClaimResult{Job: job, Started: started}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// SaveProgress durably writes the checkpoint and progress counters in one statement.
// This is the resume point of the job. progress_done never decreases.
func (r *SyncJobRepository) SaveProgress(ctx context.Context, jobID, tickID string, checkpoint models.Checkpoint, progressDone int, totalEstimate *int, lease time.Duration) error {
	now := r.now()
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status = ? AND locked_by = ?", jobID, models.JobStatusRunning, tickID).
		Updates(map[string]interface{}{
			"checkpoint":              checkpoint,
			"progress_done":           gorm.Expr("GREATEST(progress_done, ?)", progressDone),
			"progress_total_estimate": totalEstimate,
			"locked_until":            now.Add(lease),
			"updated_at":              now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to save job progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotOwned
	}
	return nil
}

// Complete marks a running job completed and releases its lease
func (r *SyncJobRepository) Complete(ctx context.Context, jobID, tickID string) error {
	return r.finish(ctx, jobID, tickID, models.JobStatusCompleted, nil)
}

// Fail marks a running job failed with a user-visible message and releases its lease
func (r *SyncJobRepository) Fail(ctx context.Context, jobID, tickID string, message string) error {
	return r.finish(ctx, jobID, tickID, models.JobStatusFailed, &message)
}

func (r *SyncJobRepository) finish(ctx context.Context, jobID, tickID string, status models.SyncJobStatus, errorMessage *string) error {
	now := r.now()
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND status = ? AND locked_by = ?", jobID, models.JobStatusRunning, tickID).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
			"finished_at":   now,
			"locked_by":     nil,
			"locked_until":  nil,
			"updated_at":    now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update job status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotOwned
	}
	return nil
}

// Release clears the lease of a job that stays running for the next tick
func (r *SyncJobRepository) Release(ctx context.Context, jobID, tickID string) error {
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND locked_by = ?", jobID, tickID).
		Updates(map[string]interface{}{
			"locked_by":    nil,
			"locked_until": nil,
			"updated_at":   r.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to release job: %w", result.Error)
	}
	return nil
}

// Cancel moves a caller's queued or running job to canceled. The worker notices on
// its next conditional write or claim.
func (r *SyncJobRepository) Cancel(ctx context.Context, userID, jobID string) (*models.SyncJob, error) {
	now := r.now()
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND user_id = ? AND status IN ?", jobID, userID, activeStatuses).
		Updates(map[string]interface{}{
			"status":      models.JobStatusCanceled,
			"finished_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to cancel job: %w", result.Error)
	}

	job, err := r.GetForUser(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return job, ErrNotCancelable
	}
	return job, nil
}
