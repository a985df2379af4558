package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AniOM76/om76-mcss/internal/calendar"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultConcurrency      = 5
	defaultMaxAttempts      = 3
	defaultBackoffBase      = 2 * time.Second
	defaultPollInterval     = 500 * time.Millisecond
	defaultCompletedHistory = 100
	defaultFailedHistory    = 50

	priorityHighWeight   = 1
	priorityNormalWeight = 10

	normalEnqueueDelay = time.Second
)

var (
	errMissingDatabase = errors.New("queue: database handle is required")
	errMissingHandler  = errors.New("queue: job handler is required")
)

// Handler processes one dequeued sync job. A returned error re-queues the
// job with exponential backoff until its attempt budget is exhausted.
type Handler func(ctx context.Context, event calendar.Event, sourceCalendarID string) error

// Config describes the sync job queue dependencies and tuning.
type Config struct {
	Database         *gorm.DB
	Handler          Handler
	Logger           *zap.Logger
	Clock            func() time.Time
	Concurrency      int
	MaxAttempts      int
	BackoffBase      time.Duration
	PollInterval     time.Duration
	CompletedHistory int
	FailedHistory    int
}

// Queue is a durable, priority-aware, retrying work queue backed by the
// sync_jobs table and drained by a bounded worker pool. Priority is a
// scheduling hint only; no ordering is guaranteed between jobs for the same
// source event.
type Queue struct {
	db               *gorm.DB
	handler          Handler
	logger           *zap.Logger
	clock            func() time.Time
	concurrency      int
	maxAttempts      int
	backoffBase      time.Duration
	pollInterval     time.Duration
	completedHistory int
	failedHistory    int
}

// New constructs the sync job queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	completedHistory := cfg.CompletedHistory
	if completedHistory <= 0 {
		completedHistory = defaultCompletedHistory
	}
	failedHistory := cfg.FailedHistory
	if failedHistory <= 0 {
		failedHistory = defaultFailedHistory
	}
	return &Queue{
		db:               cfg.Database,
		handler:          cfg.Handler,
		logger:           logger,
		clock:            clock,
		concurrency:      concurrency,
		maxAttempts:      maxAttempts,
		backoffBase:      backoffBase,
		pollInterval:     pollInterval,
		completedHistory: completedHistory,
		failedHistory:    failedHistory,
	}, nil
}

// Enqueue persists one sync job. High priority jobs are runnable
// immediately; normal priority jobs after a short coalescing delay.
func (q *Queue) Enqueue(ctx context.Context, event calendar.Event, sourceCalendarID, priority string) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("queue: encode event: %w", err)
	}
	jobID, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	now := q.clock().UTC()
	job := SyncJob{
		ID:               jobID.String(),
		EventJSON:        string(payload),
		SourceCalendarID: sourceCalendarID,
		Priority:         priorityWeight(priority),
		Status:           JobStatusPending,
		MaxAttempts:      q.maxAttempts,
		RunAfter:         now,
		UpdatedAt:        now,
	}
	if priority != "high" {
		job.RunAfter = now.Add(normalEnqueueDelay)
	}

	if err := q.db.WithContext(ctx).Create(&job).Error; err != nil {
		return "", fmt.Errorf("queue: enqueue job: %w", err)
	}
	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("source_calendar_id", sourceCalendarID),
		zap.Int("priority", job.Priority))
	return job.ID, nil
}

// Run drains the queue until the context is cancelled, dispatching due jobs
// to at most Concurrency concurrent workers. Each job runs to completion on
// one worker.
func (q *Queue) Run(ctx context.Context) {
	semaphore := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		job, claimed := q.claimNext(ctx)
		if !claimed {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}

		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			q.release(ctx, job)
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(job SyncJob) {
			defer wg.Done()
			defer func() { <-semaphore }()
			q.process(ctx, job)
		}(job)
	}
}

// claimNext picks the due pending job with the best (priority, run_after)
// order and transitions it pending -> active. The guarded update loses
// gracefully when another worker claims the same row first.
func (q *Queue) claimNext(ctx context.Context) (SyncJob, bool) {
	now := q.clock().UTC()
	var job SyncJob
	err := q.db.WithContext(ctx).
		Where("status = ? AND run_after <= ?", JobStatusPending, now).
		Order("priority ASC, run_after ASC").
		Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SyncJob{}, false
	}
	if err != nil {
		q.logger.Warn("job poll failed", zap.Error(err))
		return SyncJob{}, false
	}

	result := q.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ? AND status = ?", job.ID, JobStatusPending).
		Updates(map[string]interface{}{
			"status":     JobStatusActive,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		})
	if result.Error != nil || result.RowsAffected == 0 {
		return SyncJob{}, false
	}
	job.Status = JobStatusActive
	job.Attempts++
	return job, true
}

func (q *Queue) process(ctx context.Context, job SyncJob) {
	var event calendar.Event
	if err := json.Unmarshal([]byte(job.EventJSON), &event); err != nil {
		q.logger.Error("job payload is malformed, dropping",
			zap.String("job_id", job.ID), zap.Error(err))
		q.finish(ctx, job, JobStatusFailed, fmt.Sprintf("malformed payload: %v", err))
		return
	}

	q.logger.Info("processing sync job",
		zap.String("job_id", job.ID),
		zap.String("event_id", event.ID),
		zap.String("source_calendar_id", job.SourceCalendarID),
		zap.Int("attempt", job.Attempts))

	err := q.handler(ctx, event, job.SourceCalendarID)
	if err == nil {
		q.finish(ctx, job, JobStatusCompleted, "")
		return
	}

	if job.Attempts >= job.MaxAttempts {
		q.logger.Error("job failed permanently",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Error(err))
		q.finish(ctx, job, JobStatusFailed, err.Error())
		return
	}

	delay := q.backoffDelay(job.Attempts)
	q.logger.Warn("job failed, retrying",
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(err))
	updateErr := q.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":     JobStatusPending,
			"run_after":  q.clock().UTC().Add(delay),
			"last_error": err.Error(),
			"updated_at": q.clock().UTC(),
		}).Error
	if updateErr != nil {
		q.logger.Error("failed to re-queue job", zap.String("job_id", job.ID), zap.Error(updateErr))
	}
}

// backoffDelay grows exponentially from the base delay: 2s, 4s, 8s, ...
func (q *Queue) backoffDelay(attempt int) time.Duration {
	delay := q.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (q *Queue) finish(ctx context.Context, job SyncJob, status JobStatus, lastError string) {
	err := q.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
			"updated_at": q.clock().UTC(),
		}).Error
	if err != nil {
		q.logger.Error("failed to finalize job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	switch status {
	case JobStatusCompleted:
		q.trimHistory(ctx, JobStatusCompleted, q.completedHistory)
	case JobStatusFailed:
		q.trimHistory(ctx, JobStatusFailed, q.failedHistory)
	}
}

// release puts an unstarted claimed job back so it is not lost on shutdown.
func (q *Queue) release(ctx context.Context, job SyncJob) {
	err := q.db.WithContext(ctx).Model(&SyncJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":     JobStatusPending,
			"attempts":   gorm.Expr("attempts - 1"),
			"updated_at": q.clock().UTC(),
		}).Error
	if err != nil {
		q.logger.Warn("failed to release job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// trimHistory keeps only the most recent rows of the given terminal status.
func (q *Queue) trimHistory(ctx context.Context, status JobStatus, keep int) {
	err := q.db.WithContext(ctx).Exec(`
		DELETE FROM sync_jobs
		WHERE status = ?
		  AND id NOT IN (
			SELECT id FROM sync_jobs
			WHERE status = ?
			ORDER BY updated_at DESC
			LIMIT ?
		)`, status, status, keep).Error
	if err != nil {
		q.logger.Warn("failed to trim job history", zap.String("status", string(status)), zap.Error(err))
	}
}

// Counts reports queue depth per status for health and admin endpoints.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Counts aggregates job totals by status.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var rows []struct {
		Status JobStatus
		Total  int64
	}
	err := q.db.WithContext(ctx).Model(&SyncJob{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Counts{}, fmt.Errorf("queue: count jobs: %w", err)
	}
	var counts Counts
	for _, row := range rows {
		switch row.Status {
		case JobStatusPending:
			counts.Waiting = row.Total
		case JobStatusActive:
			counts.Active = row.Total
		case JobStatusCompleted:
			counts.Completed = row.Total
		case JobStatusFailed:
			counts.Failed = row.Total
		}
	}
	return counts, nil
}

func priorityWeight(priority string) int {
	if priority == "high" {
		return priorityHighWeight
	}
	return priorityNormalWeight
}
