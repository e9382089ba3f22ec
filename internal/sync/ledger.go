package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gestorhub/erp-sync/internal/db"
	"github.com/gestorhub/erp-sync/internal/models"
)

// Ledger is the durable record of each sync attempt. Entries are created
// when a job starts, updated after every page, and retained indefinitely
// as audit history.
type Ledger struct {
	store  db.Store
	logger *logrus.Logger
}

func NewLedger(store db.Store, logger *logrus.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Create persists a new ledger entry for the given parameters and returns
// its job id.
func (l *Ledger) Create(ctx context.Context, params models.SyncParams, triggeredBy string, effectiveLimit *int) (string, error) {
	job := &models.SyncJob{
		ID:          uuid.New().String(),
		SyncType:    params.SyncType(),
		Status:      models.JobStatusRunning,
		ActiveOnly:  params.ActiveOnly,
		TriggeredBy: triggeredBy,
		CurrentPage: 1,
		CanResume:   false,
		StartedAt:   time.Now().UTC(),
	}
	job.LimitRequested = params.Limit
	job.EffectiveLimit = effectiveLimit
	if params.Pages > 0 {
		pages := params.Pages
		job.PagesRequested = &pages
	}

	if err := l.store.CreateSyncJob(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create sync job: %w", err)
	}

	l.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"sync_type": job.SyncType,
	}).Info("Created sync job")
	return job.ID, nil
}

// Update applies a partial-field merge to a ledger entry. last_activity_at
// is stamped regardless of which fields were supplied.
func (l *Ledger) Update(ctx context.Context, jobID string, update *models.JobUpdate) error {
	return l.store.UpdateSyncJob(ctx, jobID, update)
}

// Get returns the ledger entry for jobID, or nil when absent.
func (l *Ledger) Get(ctx context.Context, jobID string) (*models.SyncJob, error) {
	return l.store.GetSyncJob(ctx, jobID)
}

// IsCancelled reports whether a cancellation was requested for jobID. The
// orchestrator polls this at each page boundary.
func (l *Ledger) IsCancelled(ctx context.Context, jobID string) bool {
	job, err := l.store.GetSyncJob(ctx, jobID)
	if err != nil {
		l.logger.WithError(err).WithField("job_id", jobID).Warn("Failed to check cancellation")
		return false
	}
	return job != nil && job.Status == models.JobStatusCancelled
}

// List returns ledger entries narrowed by filter, newest first.
func (l *Ledger) List(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error) {
	return l.store.ListSyncJobs(ctx, filter)
}

// ListResumable returns failed or cancelled entries whose can_resume flag
// is set.
func (l *Ledger) ListResumable(ctx context.Context) ([]*models.SyncJob, error) {
	return l.store.ListResumableJobs(ctx)
}

// CleanupOrphans marks running jobs with no recent activity as failed when
// no lock is held for them anymore. A job left running after a process
// crash would otherwise look alive forever.
func (l *Ledger) CleanupOrphans(ctx context.Context, olderThan time.Duration, lockHeld bool) (int, error) {
	stalled, err := l.store.ListStalledJobs(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to list stalled jobs: %w", err)
	}

	cleaned := 0
	for _, job := range stalled {
		if lockHeld {
			// A held lock means a sync is genuinely in flight; leave it alone.
			continue
		}

		status := models.JobStatusFailed
		detail := "orphaned"
		message := "job abandoned without completion (process restart or crash)"
		canResume := true
		completedAt := time.Now().UTC()

		err := l.store.UpdateSyncJob(ctx, job.ID, &models.JobUpdate{
			Status:       &status,
			StatusDetail: &detail,
			ErrorMessage: &message,
			CanResume:    &canResume,
			CompletedAt:  &completedAt,
		})
		if err != nil {
			l.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to clean up orphaned job")
			continue
		}

		l.logger.WithFields(logrus.Fields{
			"job_id":           job.ID,
			"last_activity_at": job.LastActivityAt,
		}).Warn("Marked orphaned sync job as failed")
		cleaned++
	}

	return cleaned, nil
}
