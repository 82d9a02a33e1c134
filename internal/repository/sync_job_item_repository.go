package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nowpools/keepintouchtext-sub000/internal/models"
	"gorm.io/gorm"
)

type SyncJobItemRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSyncJobItemRepository(db *gorm.DB) *SyncJobItemRepository {
	return &SyncJobItemRepository{db: db, now: time.Now}
}

// Append records an event for a job. Items are never updated or deleted.
func (r *SyncJobItemRepository) Append(ctx context.Context, jobID string, eventType models.SyncEventType, payload map[string]interface{}) error {
	item := models.SyncJobItem{
		ID:        uuid.New().String(),
		JobID:     jobID,
		EventType: eventType,
		Payload:   models.JSONB(payload),
		CreatedAt: r.now(),
	}
	if err := r.db.WithContext(ctx).Create(&item).Error; err != nil {
		return fmt.Errorf("failed to append job event: %w", err)
	}
	return nil
}

// ListByJob retrieves a job's events in the order they were written
func (r *SyncJobItemRepository) ListByJob(ctx context.Context, jobID string, limit int) ([]models.SyncJobItem, error) {
	var items []models.SyncJobItem
	result := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC, seq ASC").
		Limit(limit).
		Find(&items)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list job events: %w", result.Error)
	}
	return items, nil
}
