package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nowpools/keepintouchtext-sub000/internal/models"
	"github.com/nowpools/keepintouchtext-sub000/internal/repository"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// StartParams are the caller-supplied options of a new import
type StartParams struct {
	FilterMode string `json:"filter_mode"`
	PageSize   int    `json:"page_size"`
}

// StatusView is the read-only projection returned to polling clients
type StatusView struct {
	JobID                 string               `json:"job_id"`
	Status                models.SyncJobStatus `json:"status"`
	ProgressDone          int                  `json:"progress_done"`
	ProgressTotalEstimate *int                 `json:"progress_total_estimate"`
	ErrorMessage          *string              `json:"error_message"`
	StartedAt             *time.Time           `json:"started_at"`
	FinishedAt            *time.Time           `json:"finished_at"`
	CheckpointOpaque      models.Checkpoint    `json:"checkpoint_opaque"`
	CreatedAt             time.Time            `json:"created_at"`
}

// NewStatusView projects a job row for clients
func NewStatusView(job *models.SyncJob) StatusView {
	return StatusView{
		JobID:                 job.ID,
		Status:                job.Status,
		ProgressDone:          job.ProgressDone,
		ProgressTotalEstimate: job.ProgressTotalEstimate,
		ErrorMessage:          job.ErrorMessage,
		StartedAt:             job.StartedAt,
		FinishedAt:            job.FinishedAt,
		CheckpointOpaque:      job.Checkpoint,
		CreatedAt:             job.CreatedAt,
	}
}

// JobControl is the user-facing side of the job ledger
type JobControl struct {
	jobs            JobStore
	events          EventLog
	tokens          TokenStore
	defaultPageSize int
	logger          *zap.Logger
	now             func() time.Time
}

func NewJobControl(jobs JobStore, events EventLog, tokens TokenStore, defaultPageSize int, logger *zap.Logger) *JobControl {
	if defaultPageSize <= 0 || defaultPageSize > MaxPageSize {
		defaultPageSize = DefaultPageSize
	}
	return &JobControl{
		jobs:            jobs,
		events:          events,
		tokens:          tokens,
		defaultPageSize: defaultPageSize,
		logger:          logger,
		now:             time.Now,
	}
}

// StartSync enqueues an import for the user. Calling it while a job is queued or
// running returns that job unchanged; it never creates a second active job.
func (c *JobControl) StartSync(ctx context.Context, userID string, params StartParams) (*models.SyncJob, error) {
	jobParams, err := c.normalizeParams(params)
	if err != nil {
		return nil, err
	}

	existing, err := c.jobs.GetActive(ctx, userID, models.JobTypeGoogleContactsImport)
	if err == nil {
		c.logger.Info("Active sync job exists, returning it",
			zap.String("user_id", userID),
			zap.String("job_id", existing.ID))
		return existing, nil
	}
	if !errors.Is(err, repository.ErrJobNotFound) {
		return nil, err
	}

	if err := c.checkConnected(ctx, userID); err != nil {
		return nil, err
	}

	now := c.now()
	job := models.SyncJob{
		ID:         uuid.New().String(),
		UserID:     userID,
		JobType:    models.JobTypeGoogleContactsImport,
		Status:     models.JobStatusQueued,
		Checkpoint: models.NewCheckpoint(uuid.New().String(), jobParams.PageSize),
		JobParams:  jobParams,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	created, isNew, err := c.jobs.CreateIfNoActive(ctx, job)
	if err != nil {
		return nil, err
	}
	if isNew {
		c.logger.Info("Created contact sync job",
			zap.String("user_id", userID),
			zap.String("job_id", created.ID),
			zap.String("filter_mode", jobParams.FilterMode),
			zap.Int("page_size", jobParams.PageSize))
	}
	return created, nil
}

// CancelSync stops a queued or running job. Progress already made is kept.
func (c *JobControl) CancelSync(ctx context.Context, userID, jobID string) (*models.SyncJob, error) {
	job, err := c.jobs.Cancel(ctx, userID, jobID)
	if err != nil {
		return job, err
	}

	if err := c.events.Append(ctx, job.ID, models.EventCanceled, map[string]interface{}{
		"progress_done": job.ProgressDone,
	}); err != nil {
		c.logger.Warn("Failed to append job event", zap.String("job_id", job.ID), zap.Error(err))
	}

	c.logger.Info("Canceled contact sync job",
		zap.String("user_id", userID),
		zap.String("job_id", job.ID),
		zap.Int("progress_done", job.ProgressDone))
	return job, nil
}

// GetStatus never mutates the job
func (c *JobControl) GetStatus(ctx context.Context, userID, jobID string) (*StatusView, error) {
	job, err := c.jobs.GetForUser(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	view := NewStatusView(job)
	return &view, nil
}

func (c *JobControl) ListJobs(ctx context.Context, userID string, limit int) ([]StatusView, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	jobs, err := c.jobs.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	views := make([]StatusView, 0, len(jobs))
	for i := range jobs {
		views = append(views, NewStatusView(&jobs[i]))
	}
	return views, nil
}

// ListEvents returns a job's audit trail, oldest first
func (c *JobControl) ListEvents(ctx context.Context, userID, jobID string, limit int) ([]models.SyncJobItem, error) {
	if _, err := c.jobs.GetForUser(ctx, userID, jobID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return c.events.ListByJob(ctx, jobID, limit)
}

func (c *JobControl) normalizeParams(params StartParams) (models.JobParams, error) {
	out := models.JobParams{FilterMode: params.FilterMode, PageSize: params.PageSize}

	switch out.FilterMode {
	case "":
		out.FilterMode = models.FilterAll
	case models.FilterAll, models.FilterWithEmail, models.FilterWithPhone, models.FilterWithEmailOrPhone:
	default:
		return out, fmt.Errorf("%w: unknown filter_mode %q", ErrInvalidParams, params.FilterMode)
	}

	if out.PageSize == 0 {
		out.PageSize = c.defaultPageSize
	}
	if out.PageSize < 1 || out.PageSize > MaxPageSize {
		return out, fmt.Errorf("%w: page_size must be between 1 and %d", ErrInvalidParams, MaxPageSize)
	}
	return out, nil
}

func (c *JobControl) checkConnected(ctx context.Context, userID string) error {
	token, err := c.tokens.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrTokenNotFound) {
			return fmt.Errorf("%w: no connected account", ErrReauthRequired)
		}
		return fmt.Errorf("failed to load token: %w", err)
	}
	if token.ReauthRequired {
		return fmt.Errorf("%w: connection was revoked", ErrReauthRequired)
	}
	if token.RefreshToken == nil || *token.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token available", ErrReauthRequired)
	}
	return nil
}
