package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gestorhub/erp-sync/internal/models"
)

// GetSyncProgress returns the progress snapshot for a job, or nil when no
// snapshot exists yet.
func (s *PostgresStore) GetSyncProgress(ctx context.Context, jobID string) (*models.SyncProgress, error) {
	var p models.SyncProgress
	var currentRecord, phase sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, percent, current_step, current_page, total_pages, records_processed, current_record, phase, created_at, updated_at
		FROM sync_progress
		WHERE job_id = $1
	`, jobID).Scan(
		&p.JobID,
		&p.Percent,
		&p.CurrentStep,
		&p.CurrentPage,
		&p.TotalPages,
		&p.RecordsProcessed,
		&currentRecord,
		&phase,
		&p.CreatedAt,
		&p.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get sync progress for %s: %w", jobID, err)
	}

	p.CurrentRecord = currentRecord.String
	p.Phase = phase.String
	return &p, nil
}

// SaveSyncProgress upserts the snapshot keyed by job id. The snapshot is
// advisory; callers tolerate a lost write.
func (s *PostgresStore) SaveSyncProgress(ctx context.Context, progress *models.SyncProgress) error {
	if progress == nil {
		return fmt.Errorf("progress cannot be nil")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_progress (job_id, percent, current_step, current_page, total_pages, records_processed, current_record, phase, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (job_id) DO UPDATE SET
			percent = EXCLUDED.percent,
			current_step = EXCLUDED.current_step,
			current_page = EXCLUDED.current_page,
			total_pages = EXCLUDED.total_pages,
			records_processed = EXCLUDED.records_processed,
			current_record = EXCLUDED.current_record,
			phase = EXCLUDED.phase,
			updated_at = NOW()
	`, progress.JobID, progress.Percent, progress.CurrentStep, progress.CurrentPage,
		progress.TotalPages, progress.RecordsProcessed, progress.CurrentRecord, progress.Phase)

	if err != nil {
		return fmt.Errorf("failed to save sync progress for %s: %w", progress.JobID, err)
	}
	return nil
}
