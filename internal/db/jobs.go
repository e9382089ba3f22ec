package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gestorhub/erp-sync/internal/models"
)

const jobColumns = `id, sync_type, status, status_detail, active_only, limit_requested, pages_requested, effective_limit, triggered_by,
	current_page, pages_processed, total_pages_found, resume_from_page,
	records_found, records_inserted, records_updated, records_skipped, records_errored, error_types,
	can_resume, error_message, error_detail, duration_seconds, started_at, last_activity_at, completed_at`

func scanSyncJob(scanner interface{ Scan(...interface{}) error }) (*models.SyncJob, error) {
	var job models.SyncJob
	var statusDetail, errorMessage, errorDetail sql.NullString
	var errorTypesJSON []byte

	err := scanner.Scan(
		&job.ID,
		&job.SyncType,
		&job.Status,
		&statusDetail,
		&job.ActiveOnly,
		&job.LimitRequested,
		&job.PagesRequested,
		&job.EffectiveLimit,
		&job.TriggeredBy,
		&job.CurrentPage,
		&job.PagesProcessed,
		&job.TotalPagesFound,
		&job.ResumeFromPage,
		&job.RecordsFound,
		&job.RecordsInserted,
		&job.RecordsUpdated,
		&job.RecordsSkipped,
		&job.RecordsErrored,
		&errorTypesJSON,
		&job.CanResume,
		&errorMessage,
		&errorDetail,
		&job.DurationSeconds,
		&job.StartedAt,
		&job.LastActivityAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.StatusDetail = statusDetail.String
	job.ErrorMessage = errorMessage.String
	job.ErrorDetail = errorDetail.String

	if len(errorTypesJSON) > 0 {
		if err := json.Unmarshal(errorTypesJSON, &job.ErrorTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job error types: %w", err)
		}
	}

	return &job, nil
}

// CreateSyncJob persists a new ledger entry.
func (s *PostgresStore) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	errorTypesJSON, err := json.Marshal(job.ErrorTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal job error types: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, sync_type, status, status_detail, active_only, limit_requested, pages_requested, effective_limit, triggered_by,
			current_page, pages_processed, total_pages_found, resume_from_page,
			records_found, records_inserted, records_updated, records_skipped, records_errored, error_types,
			can_resume, error_message, error_detail, duration_seconds, started_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, NOW(), NOW())
	`, job.ID, job.SyncType, job.Status, job.StatusDetail, job.ActiveOnly,
		job.LimitRequested, job.PagesRequested, job.EffectiveLimit, job.TriggeredBy,
		job.CurrentPage, job.PagesProcessed, job.TotalPagesFound, job.ResumeFromPage,
		job.RecordsFound, job.RecordsInserted, job.RecordsUpdated, job.RecordsSkipped, job.RecordsErrored, errorTypesJSON,
		job.CanResume, job.ErrorMessage, job.ErrorDetail, job.DurationSeconds)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

// UpdateSyncJob applies a partial update. Only non-nil fields are written;
// last_activity_at is stamped on every call so stalled-job detection can
// rely on it.
func (s *PostgresStore) UpdateSyncJob(ctx context.Context, jobID string, update *models.JobUpdate) error {
	setClauses := []string{"last_activity_at = NOW()"}
	args := []interface{}{}
	argCount := 0

	addClause := func(column string, value interface{}) {
		argCount++
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, argCount))
		args = append(args, value)
	}

	if update.Status != nil {
		addClause("status", *update.Status)
	}
	if update.StatusDetail != nil {
		addClause("status_detail", *update.StatusDetail)
	}
	if update.CurrentPage != nil {
		addClause("current_page", *update.CurrentPage)
	}
	if update.PagesProcessed != nil {
		addClause("pages_processed", *update.PagesProcessed)
	}
	if update.TotalPagesFound != nil {
		addClause("total_pages_found", *update.TotalPagesFound)
	}
	if update.ResumeFromPage != nil {
		addClause("resume_from_page", *update.ResumeFromPage)
	}
	if update.RecordsFound != nil {
		addClause("records_found", *update.RecordsFound)
	}
	if update.RecordsInserted != nil {
		addClause("records_inserted", *update.RecordsInserted)
	}
	if update.RecordsUpdated != nil {
		addClause("records_updated", *update.RecordsUpdated)
	}
	if update.RecordsSkipped != nil {
		addClause("records_skipped", *update.RecordsSkipped)
	}
	if update.RecordsErrored != nil {
		addClause("records_errored", *update.RecordsErrored)
	}
	if update.ErrorTypes != nil {
		errorTypesJSON, err := json.Marshal(update.ErrorTypes)
		if err != nil {
			return fmt.Errorf("failed to marshal job error types: %w", err)
		}
		addClause("error_types", errorTypesJSON)
	}
	if update.CanResume != nil {
		addClause("can_resume", *update.CanResume)
	}
	if update.ErrorMessage != nil {
		addClause("error_message", *update.ErrorMessage)
	}
	if update.ErrorDetail != nil {
		addClause("error_detail", *update.ErrorDetail)
	}
	if update.DurationSeconds != nil {
		addClause("duration_seconds", *update.DurationSeconds)
	}
	if update.CompletedAt != nil {
		addClause("completed_at", *update.CompletedAt)
	}

	argCount++
	args = append(args, jobID)

	query := fmt.Sprintf("UPDATE sync_jobs SET %s WHERE id = $%d", strings.Join(setClauses, ", "), argCount)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sync job %s: %w", jobID, err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("sync job %s not found", jobID)
	}
	return nil
}

// GetSyncJob returns the ledger entry for jobID, or nil when absent.
func (s *PostgresStore) GetSyncJob(ctx context.Context, jobID string) (*models.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_jobs WHERE id = $1
	`, jobColumns), jobID)

	job, err := scanSyncJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get sync job %s: %w", jobID, err)
	}
	return job, nil
}

// ListSyncJobs returns ledger entries, newest first, narrowed by filter.
func (s *PostgresStore) ListSyncJobs(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error) {
	query := fmt.Sprintf("SELECT %s FROM sync_jobs WHERE 1=1", jobColumns)
	args := []interface{}{}
	argCount := 0

	if filter.Status != "" {
		argCount++
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, filter.Status)
	}
	if filter.SyncType != "" {
		argCount++
		query += fmt.Sprintf(" AND sync_type = $%d", argCount)
		args = append(args, filter.SyncType)
	}
	if filter.CanResume != nil {
		argCount++
		query += fmt.Sprintf(" AND can_resume = $%d", argCount)
		args = append(args, *filter.CanResume)
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		argCount++
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	return s.querySyncJobs(ctx, query, args...)
}

// ListResumableJobs returns failed or cancelled jobs flagged resumable.
func (s *PostgresStore) ListResumableJobs(ctx context.Context) ([]*models.SyncJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM sync_jobs
		WHERE can_resume = TRUE AND status IN ('%s', '%s')
		ORDER BY started_at DESC
	`, jobColumns, models.JobStatusFailed, models.JobStatusCancelled)

	return s.querySyncJobs(ctx, query)
}

// ListStalledJobs returns running jobs whose last activity is older than
// the given age. These are candidates for orphan cleanup.
func (s *PostgresStore) ListStalledJobs(ctx context.Context, olderThan time.Duration) ([]*models.SyncJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM sync_jobs
		WHERE status = $1 AND last_activity_at < NOW() - $2::interval
		ORDER BY started_at ASC
	`, jobColumns)

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	return s.querySyncJobs(ctx, query, models.JobStatusRunning, interval)
}

func (s *PostgresStore) querySyncJobs(ctx context.Context, query string, args ...interface{}) ([]*models.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job row: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync job rows: %w", err)
	}

	return jobs, nil
}
