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
	DefaultMaxPagesPerTick = 5
	DefaultJobLease        = 2 * time.Minute
	DefaultPageSize        = 100
	MaxPageSize            = 1000 // People API connections.list limit

	maxRecordErrorEvents = 20 // per page
)

type ProcessorConfig struct {
	MaxPagesPerTick int
	JobLease        time.Duration
	DefaultPageSize int
}

// TickResult describes the unit of work one tick performed
type TickResult struct {
	Idle            bool                 `json:"idle"` // no eligible job
	JobID           string               `json:"job_id,omitempty"`
	UserID          string               `json:"user_id,omitempty"`
	Status          models.SyncJobStatus `json:"status,omitempty"`
	Started         bool                 `json:"started"` // this tick performed queued -> running
	PagesFetched    int                  `json:"pages_fetched"`
	RecordsImported int                  `json:"records_imported"`
	ProgressDone    int                  `json:"progress_done"`
	Stopped         bool                 `json:"stopped"` // canceled or lease lost mid-tick
	Error           string               `json:"error,omitempty"`
}

// SyncProcessor runs bounded units of import work. It keeps no state between
// ticks; everything needed to resume lives in the job's checkpoint.
type SyncProcessor struct {
	jobs       JobStore
	events     EventLog
	tokens     *TokenManager
	client     PeopleClient
	reconciler *ContactReconciler
	cfg        ProcessorConfig
	logger     *zap.Logger
	newTickID  func() string
}

func NewSyncProcessor(
	jobs JobStore,
	events EventLog,
	tokens *TokenManager,
	client PeopleClient,
	reconciler *ContactReconciler,
	cfg ProcessorConfig,
	logger *zap.Logger,
) *SyncProcessor {
	if cfg.MaxPagesPerTick <= 0 {
		cfg.MaxPagesPerTick = DefaultMaxPagesPerTick
	}
	if cfg.JobLease <= 0 {
		cfg.JobLease = DefaultJobLease
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = DefaultPageSize
	}
	return &SyncProcessor{
		jobs:       jobs,
		events:     events,
		tokens:     tokens,
		client:     client,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger,
		newTickID:  func() string { return uuid.New().String() },
	}
}

// Tick claims at most one job and advances it by at most MaxPagesPerTick pages.
// A job failure is reported in the result, not as an error; errors are reserved
// for conditions that kept the tick from recording state at all.
func (p *SyncProcessor) Tick(ctx context.Context) (*TickResult, error) {
	tickID := p.newTickID()

	claim, err := p.jobs.Claim(ctx, tickID, p.cfg.JobLease)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if claim == nil {
		return &TickResult{Idle: true}, nil
	}

	job := claim.Job
	result := &TickResult{
		JobID:        job.ID,
		UserID:       job.UserID,
		Status:       job.Status,
		Started:      claim.Started,
		ProgressDone: job.ProgressDone,
	}
	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("tick_id", tickID))

	log.Info("Processing contact sync job",
		zap.Int("progress_done", job.ProgressDone),
		zap.Bool("started", claim.Started))

	if claim.Started {
		p.appendEvent(ctx, log, job.ID, models.EventJobStarted, map[string]interface{}{
			"run_id":      job.Checkpoint.RunID,
			"filter_mode": job.JobParams.FilterMode,
			"page_size":   job.Checkpoint.PageSize,
		})
	}

	if err := job.Checkpoint.Validate(); err != nil {
		return p.fail(ctx, log, job, tickID, result, err.Error())
	}

	accessToken, err := p.tokens.AccessToken(ctx, job.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return p.release(ctx, log, job, tickID, result, ctx.Err())
		}
		if errors.Is(err, ErrReauthRequired) {
			return p.fail(ctx, log, job, tickID, result, err.Error())
		}
		if errors.Is(err, ErrTokenStorage) {
			return p.release(ctx, log, job, tickID, result, fmt.Errorf("failed to load access token: %w", err))
		}
		return p.fail(ctx, log, job, tickID, result, fmt.Sprintf("failed to refresh access token: %v", err))
	}

	checkpoint := job.Checkpoint
	progressDone := job.ProgressDone
	totalEstimate := job.ProgressTotalEstimate
	pageSize := checkpoint.PageSize
	if pageSize <= 0 {
		pageSize = p.cfg.DefaultPageSize
	}

	for page := 0; page < p.cfg.MaxPagesPerTick; page++ {
		if ctx.Err() != nil {
			return p.release(ctx, log, job, tickID, result, ctx.Err())
		}

		pageToken := ""
		if checkpoint.NextPageToken != nil {
			pageToken = *checkpoint.NextPageToken
		}

		log.Debug("Fetching contacts page", zap.String("page_token", pageToken), zap.Int("page_size", pageSize))

		contactPage, err := p.client.FetchPage(ctx, accessToken, pageToken, pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return p.release(ctx, log, job, tickID, result, ctx.Err())
			}
			if errors.Is(err, ErrProviderAuth) {
				// No refresh mid-loop: an auth error here ends the job
				p.tokens.MarkReauthRequired(ctx, job.UserID, err.Error())
				return p.fail(ctx, log, job, tickID, result, fmt.Sprintf("%v: %v", ErrReauthRequired, err))
			}
			return p.fail(ctx, log, job, tickID, result, fmt.Sprintf("failed to fetch contacts: %v", err))
		}

		stats, recordErrors := p.reconciler.ReconcilePage(ctx, job.UserID, job.JobParams, contactPage.Records)
		progressDone += stats.Imported()
		if contactPage.TotalEstimate != nil {
			totalEstimate = contactPage.TotalEstimate
		}
		next := checkpoint.Advance(contactPage.NextPageToken, stats.LastExternalID)

		err = p.jobs.SaveProgress(ctx, job.ID, tickID, next, progressDone, totalEstimate, p.cfg.JobLease)
		if err != nil {
			if errors.Is(err, repository.ErrJobNotOwned) {
				log.Info("Job canceled or lease lost, stopping without further progress")
				return p.stopped(ctx, log, job, result)
			}
			return p.release(ctx, log, job, tickID, result, fmt.Errorf("failed to update job progress: %w", err))
		}

		checkpoint = next
		result.PagesFetched++
		result.RecordsImported += stats.Imported()
		result.ProgressDone = progressDone

		p.appendEvent(ctx, log, job.ID, models.EventBatchCompleted, map[string]interface{}{
			"page":                    result.PagesFetched,
			"fetched":                 stats.Fetched,
			"imported":                stats.Imported(),
			"created":                 stats.Created,
			"updated":                 stats.Updated,
			"skipped":                 stats.Skipped,
			"filtered":                stats.Filtered,
			"failed":                  stats.Failed,
			"progress_done":           progressDone,
			"next_page_token_present": contactPage.NextPageToken != "",
			"last_external_id":        stats.LastExternalID,
		})
		p.recordErrors(ctx, log, job.ID, recordErrors)

		log.Info("Applied contacts page",
			zap.Int("fetched", stats.Fetched),
			zap.Int("imported", stats.Imported()),
			zap.Int("progress_done", progressDone),
			zap.Bool("has_more", contactPage.NextPageToken != ""))

		if contactPage.NextPageToken == "" {
			return p.complete(ctx, log, job, tickID, result)
		}
	}

	log.Info("Page budget exhausted, job continues next tick", zap.Int("pages", result.PagesFetched))
	return p.release(ctx, log, job, tickID, result, nil)
}

func (p *SyncProcessor) complete(ctx context.Context, log *zap.Logger, job models.SyncJob, tickID string, result *TickResult) (*TickResult, error) {
	if err := p.jobs.Complete(ctx, job.ID, tickID); err != nil {
		if errors.Is(err, repository.ErrJobNotOwned) {
			log.Info("Job canceled before completion could be recorded")
			return p.stopped(ctx, log, job, result)
		}
		return p.release(ctx, log, job, tickID, result, fmt.Errorf("failed to complete job: %w", err))
	}

	result.Status = models.JobStatusCompleted
	p.appendEvent(ctx, log, job.ID, models.EventJobCompleted, map[string]interface{}{
		"progress_done": result.ProgressDone,
	})
	log.Info("Contact sync job completed", zap.Int("progress_done", result.ProgressDone))
	return result, nil
}

// fail ends the job with a user-visible message. No retry is attempted; the user
// starts a new sync.
func (p *SyncProcessor) fail(ctx context.Context, log *zap.Logger, job models.SyncJob, tickID string, result *TickResult, message string) (*TickResult, error) {
	log.Warn("Contact sync job failed", zap.String("reason", message))

	if err := p.jobs.Fail(ctx, job.ID, tickID, message); err != nil {
		if errors.Is(err, repository.ErrJobNotOwned) {
			return p.stopped(ctx, log, job, result)
		}
		return p.release(ctx, log, job, tickID, result, fmt.Errorf("failed to mark job failed: %w", err))
	}

	result.Status = models.JobStatusFailed
	result.Error = message
	p.appendEvent(ctx, log, job.ID, models.EventError, map[string]interface{}{
		"message": message,
		"fatal":   true,
	})
	return result, nil
}

// stopped reports a job this tick no longer owns, with the status the ledger now holds
func (p *SyncProcessor) stopped(ctx context.Context, log *zap.Logger, job models.SyncJob, result *TickResult) (*TickResult, error) {
	result.Stopped = true
	result.Status = ""

	current, err := p.jobs.GetForUser(ctx, job.UserID, job.ID)
	if err != nil {
		log.Warn("Failed to read job after losing it", zap.Error(err))
		return result, nil
	}
	result.Status = current.Status
	return result, nil
}

// release gives the lease back so the next tick can resume from the checkpoint
func (p *SyncProcessor) release(ctx context.Context, log *zap.Logger, job models.SyncJob, tickID string, result *TickResult, cause error) (*TickResult, error) {
	releaseCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		releaseCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := p.jobs.Release(releaseCtx, job.ID, tickID); err != nil {
		log.Warn("Failed to release job lease", zap.Error(err))
	}
	return result, cause
}

func (p *SyncProcessor) recordErrors(ctx context.Context, log *zap.Logger, jobID string, recordErrors []RecordError) {
	for i, re := range recordErrors {
		if i == maxRecordErrorEvents {
			p.appendEvent(ctx, log, jobID, models.EventError, map[string]interface{}{
				"message": fmt.Sprintf("%d more record errors omitted", len(recordErrors)-maxRecordErrorEvents),
				"fatal":   false,
			})
			return
		}
		p.appendEvent(ctx, log, jobID, models.EventError, map[string]interface{}{
			"message":     re.Err.Error(),
			"external_id": re.ExternalID,
			"fatal":       false,
		})
	}
}

// appendEvent writes to the audit trail. Failures are logged only; the state
// machine never depends on events.
func (p *SyncProcessor) appendEvent(ctx context.Context, log *zap.Logger, jobID string, eventType models.SyncEventType, payload map[string]interface{}) {
	if err := p.events.Append(ctx, jobID, eventType, payload); err != nil {
		log.Warn("Failed to append job event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}
