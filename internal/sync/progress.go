package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gestorhub/erp-sync/internal/db"
	"github.com/gestorhub/erp-sync/internal/models"
)

// ProgressTracker maintains the ephemeral per-job progress snapshot that
// polling clients read. It is advisory only; a lost update never affects
// the correctness of the sync.
type ProgressTracker struct {
	store  db.Store
	logger *logrus.Logger
}

func NewProgressTracker(store db.Store, logger *logrus.Logger) *ProgressTracker {
	return &ProgressTracker{store: store, logger: logger}
}

// Update overlays the supplied fields onto the stored snapshot and writes
// the merged result back. Callers routinely supply only one or two changed
// fields, so a direct write would clobber the rest.
func (t *ProgressTracker) Update(ctx context.Context, jobID string, update models.ProgressUpdate) {
	existing, err := t.store.GetSyncProgress(ctx, jobID)
	if err != nil {
		t.logger.WithError(err).WithField("job_id", jobID).Warn("Failed to read sync progress")
		return
	}

	if existing == nil {
		existing = &models.SyncProgress{
			JobID:     jobID,
			CreatedAt: time.Now().UTC(),
		}
	}

	if update.Percent != nil {
		existing.Percent = *update.Percent
	}
	if update.CurrentStep != nil {
		existing.CurrentStep = *update.CurrentStep
	}
	if update.CurrentPage != nil {
		existing.CurrentPage = *update.CurrentPage
	}
	if update.TotalPages != nil {
		existing.TotalPages = *update.TotalPages
	}
	if update.RecordsProcessed != nil {
		existing.RecordsProcessed = *update.RecordsProcessed
	}
	if update.CurrentRecord != nil {
		existing.CurrentRecord = *update.CurrentRecord
	}
	if update.Phase != nil {
		existing.Phase = *update.Phase
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := t.store.SaveSyncProgress(ctx, existing); err != nil {
		t.logger.WithError(err).WithField("job_id", jobID).Warn("Failed to save sync progress")
	}
}

// Get returns the snapshot for jobID, or nil when none exists yet.
func (t *ProgressTracker) Get(ctx context.Context, jobID string) (*models.SyncProgress, error) {
	return t.store.GetSyncProgress(ctx, jobID)
}
