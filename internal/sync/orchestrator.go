package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gestorhub/erp-sync/internal/config"
	"github.com/gestorhub/erp-sync/internal/db"
	"github.com/gestorhub/erp-sync/internal/erp"
	apperrors "github.com/gestorhub/erp-sync/internal/errors"
	"github.com/gestorhub/erp-sync/internal/models"
)

// StatusView is the summary returned to status pollers.
type StatusView struct {
	IsRunning  bool             `json:"is_running"`
	Lock       *models.SyncLock `json:"lock,omitempty"`
	CurrentJob *models.SyncJob  `json:"current_job,omitempty"`
}

// ProgressView combines the authoritative ledger entry with the advisory
// progress snapshot.
type ProgressView struct {
	Job      *models.SyncJob      `json:"job"`
	Snapshot *models.SyncProgress `json:"snapshot,omitempty"`
}

// Orchestrator is the top-level sync control loop. It acquires the global
// lock, creates or resumes the ledger entry, walks the upstream catalog
// page by page, and finalizes on completion. Jobs run fire-and-forget;
// callers poll the ledger and progress interfaces for status.
type Orchestrator struct {
	client   erp.Client
	store    db.Store
	lock     *LockManager
	ledger   *Ledger
	progress *ProgressTracker
	merger   *Merger
	cfg      *config.SyncConfig
	logger   *logrus.Logger
}

func NewOrchestrator(client erp.Client, store db.Store, lock *LockManager, ledger *Ledger, progress *ProgressTracker, merger *Merger, cfg *config.SyncConfig, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		client:   client,
		store:    store,
		lock:     lock,
		ledger:   ledger,
		progress: progress,
		merger:   merger,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start launches a sync job and returns its job id without waiting for it
// to finish. A denied lock surfaces as a SyncInProgressError and no ledger
// entry is created.
func (o *Orchestrator) Start(ctx context.Context, params models.SyncParams, holder models.Holder) (string, error) {
	// Best effort: jobs left running by a crashed process are marked failed
	// before a new attempt begins.
	if _, err := o.ledger.CleanupOrphans(ctx, o.cfg.OrphanAge, o.lock.IsRunning(ctx)); err != nil {
		o.logger.WithError(err).Warn("Orphan cleanup failed")
	}

	var lockID string
	if !params.DryRun {
		// Dry runs never mutate product storage, so they skip the lock and
		// cannot block or be blocked by a real sync.
		var err error
		lockID, err = o.lock.Acquire(ctx, holder, params.SyncType())
		if err != nil {
			return "", err
		}
	}

	jobID, startPage, err := o.prepareJob(ctx, &params, holder)
	if err != nil {
		if lockID != "" {
			o.lock.Release(ctx, lockID, models.LockStatusFailed)
		}
		return "", err
	}

	o.progress.Update(ctx, jobID, models.ProgressUpdate{
		Percent:     floatPtr(0),
		CurrentStep: strPtr("starting"),
		CurrentPage: intPtr(startPage),
		Phase:       strPtr("fetching"),
	})

	go o.run(jobID, lockID, params, startPage)

	return jobID, nil
}

// prepareJob resolves a resume request or creates a fresh ledger entry,
// returning the job id and the first page to fetch.
func (o *Orchestrator) prepareJob(ctx context.Context, params *models.SyncParams, holder models.Holder) (string, int, error) {
	if params.ResumeJobID == "" {
		jobID, err := o.ledger.Create(ctx, *params, holder.Email, o.effectiveLimit(*params))
		return jobID, 1, err
	}

	job, err := o.ledger.Get(ctx, params.ResumeJobID)
	if err != nil {
		return "", 0, err
	}
	if job == nil {
		return "", 0, apperrors.NewNotFoundError(fmt.Sprintf("sync job %s not found", params.ResumeJobID), nil)
	}

	// A finished job is never silently re-run; the caller gets a fresh job
	// covering the whole range instead.
	if job.Status == models.JobStatusCompleted {
		o.logger.WithField("job_id", job.ID).Info("Resume requested for a completed job, starting fresh")
		params.ResumeJobID = ""
		jobID, err := o.ledger.Create(ctx, *params, holder.Email, o.effectiveLimit(*params))
		return jobID, 1, err
	}

	if !job.CanResume || (job.Status != models.JobStatusFailed && job.Status != models.JobStatusCancelled) {
		return "", 0, apperrors.NewJobNotResumableError(job.ID, job.Status)
	}

	// Carry the original request's shape forward so the resumed run merges
	// with the same filters and limits.
	params.ActiveOnly = job.ActiveOnly
	params.Limit = job.LimitRequested
	if job.PagesRequested != nil {
		params.Pages = *job.PagesRequested
	}

	startPage := job.ResumeFromPage
	if startPage < 1 {
		startPage = 1
	}

	status := models.JobStatusRunning
	detail := "resumed"
	canResume := false
	err = o.ledger.Update(ctx, job.ID, &models.JobUpdate{
		Status:       &status,
		StatusDetail: &detail,
		CanResume:    &canResume,
		CurrentPage:  &startPage,
	})
	if err != nil {
		return "", 0, err
	}

	o.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"start_page": startPage,
	}).Info("Resuming sync job")
	return job.ID, startPage, nil
}

// effectiveLimit returns the page size to request upstream: the caller's
// limit (default 50) for quick jobs, unbounded for complete walks.
func (o *Orchestrator) effectiveLimit(params models.SyncParams) *int {
	if params.IsComplete() {
		return nil
	}
	limit := o.cfg.DefaultPageSize
	if params.Limit != nil && *params.Limit > 0 {
		limit = *params.Limit
	}
	return &limit
}

// run is the detached sync loop. It always releases the lock with the
// outcome status, whichever exit path is taken.
func (o *Orchestrator) run(jobID, lockID string, params models.SyncParams, startPage int) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.MaxDuration+time.Minute)
	defer cancel()

	outcome := models.LockStatusFailed
	defer func() {
		if lockID != "" {
			o.lock.Release(context.Background(), lockID, outcome)
		}
	}()

	log := o.logger.WithField("job_id", jobID)
	startedAt := time.Now()
	effectiveLimit := o.effectiveLimit(params)

	var totals models.PageStats
	recordsFound := 0
	pagesProcessed := 0
	if job, err := o.ledger.Get(ctx, jobID); err == nil && job != nil {
		// A resumed run keeps accumulating the original run's counters.
		totals = models.PageStats{
			Inserted:   job.RecordsInserted,
			Updated:    job.RecordsUpdated,
			Skipped:    job.RecordsSkipped,
			Errored:    job.RecordsErrored,
			ErrorTypes: job.ErrorTypes,
		}
		recordsFound = job.RecordsFound
		pagesProcessed = job.PagesProcessed
	}

	modifiedSince := ""
	if params.UseModifiedFilter && !params.IsComplete() {
		if latest, err := o.store.GetLatestModifiedAt(ctx); err != nil {
			log.WithError(err).Warn("Failed to determine modified-since filter, fetching unfiltered")
		} else if latest != nil {
			modifiedSince = latest.UTC().Format(time.RFC3339)
		}
	}

	totalPagesEstimate := params.Pages
	if params.IsComplete() {
		totalPagesEstimate = 0
	}

	page := startPage
	for {
		if time.Since(startedAt) > o.cfg.MaxDuration {
			o.failJob(ctx, jobID, fmt.Errorf("sync exceeded maximum duration of %s", o.cfg.MaxDuration), page, totals, recordsFound, pagesProcessed, startedAt)
			return
		}

		// Cancellation is polled once per page; latency is bounded by one
		// page's processing plus the inter-page delay.
		if o.ledger.IsCancelled(ctx, jobID) {
			log.Info("Cancellation detected, stopping sync")
			o.finishCancelled(ctx, jobID, page, totals, recordsFound, pagesProcessed, startedAt)
			outcome = models.LockStatusCancelled
			return
		}

		o.progress.Update(ctx, jobID, models.ProgressUpdate{
			Percent:          floatPtr(pagePercent(pagesProcessed, totalPagesEstimate)),
			CurrentStep:      strPtr(fmt.Sprintf("fetching page %d", page)),
			CurrentPage:      intPtr(page),
			RecordsProcessed: intPtr(recordsFound),
		})

		records, err := o.client.FetchPage(ctx, erp.PageRequest{
			Page:          page,
			Limit:         effectiveLimit,
			ModifiedSince: modifiedSince,
			UseStableSort: true,
		})
		if err != nil {
			o.failJob(ctx, jobID, fmt.Errorf("failed to fetch page %d: %w", page, err), page, totals, recordsFound, pagesProcessed, startedAt)
			return
		}

		recordsFound += len(records)
		lastPage := len(records) == 0 ||
			(effectiveLimit != nil && len(records) < *effectiveLimit)

		if len(records) > 0 {
			stats, err := o.merger.UpsertPage(ctx, records, MergeOptions{
				ActiveOnly: params.ActiveOnly,
				Dedupe:     params.Dedupe,
				DryRun:     params.DryRun,
			})
			totals.Add(stats)
			if err != nil {
				o.failJob(ctx, jobID, fmt.Errorf("failed to merge page %d: %w", page, err), page, totals, recordsFound, pagesProcessed, startedAt)
				return
			}
			pagesProcessed++
		}

		// Checkpoint after every successfully processed page so a failed or
		// cancelled run can pick up at the next page.
		if err := o.checkpoint(ctx, jobID, page, totals, recordsFound, pagesProcessed); err != nil {
			o.failJob(ctx, jobID, fmt.Errorf("failed to checkpoint page %d: %w", page, err), page, totals, recordsFound, pagesProcessed, startedAt)
			return
		}

		if lastPage {
			break
		}

		if err := o.sleep(ctx, o.cfg.PageDelay); err != nil {
			o.failJob(ctx, jobID, fmt.Errorf("sync interrupted during page delay: %w", err), page, totals, recordsFound, pagesProcessed, startedAt)
			return
		}
		page++
	}

	if err := o.finalize(ctx, jobID, page, totals, recordsFound, pagesProcessed, startedAt, params.DryRun); err != nil {
		o.failJob(ctx, jobID, err, page, totals, recordsFound, pagesProcessed, startedAt)
		return
	}
	outcome = models.LockStatusCompleted
}

func (o *Orchestrator) checkpoint(ctx context.Context, jobID string, page int, totals models.PageStats, recordsFound, pagesProcessed int) error {
	nextPage := page + 1
	canResume := true
	return o.ledger.Update(ctx, jobID, &models.JobUpdate{
		CurrentPage:     &page,
		PagesProcessed:  &pagesProcessed,
		ResumeFromPage:  &nextPage,
		RecordsFound:    &recordsFound,
		RecordsInserted: &totals.Inserted,
		RecordsUpdated:  &totals.Updated,
		RecordsSkipped:  &totals.Skipped,
		RecordsErrored:  &totals.Errored,
		ErrorTypes:      totals.ErrorTypes,
		CanResume:       &canResume,
	})
}

// finalize rebuilds the denormalized aggregate tables and marks the job
// completed.
func (o *Orchestrator) finalize(ctx context.Context, jobID string, page int, totals models.PageStats, recordsFound, pagesProcessed int, startedAt time.Time, dryRun bool) error {
	o.progress.Update(ctx, jobID, models.ProgressUpdate{
		Percent:     floatPtr(90),
		CurrentStep: strPtr("finalizing"),
		Phase:       strPtr("finalizing"),
	})

	if !dryRun {
		if err := o.store.RebuildAggregates(ctx); err != nil {
			return fmt.Errorf("failed to rebuild aggregates: %w", err)
		}
	}

	status := models.JobStatusCompleted
	canResume := false
	completedAt := time.Now().UTC()
	duration := int(time.Since(startedAt).Seconds())
	err := o.ledger.Update(ctx, jobID, &models.JobUpdate{
		Status:          &status,
		CurrentPage:     &page,
		PagesProcessed:  &pagesProcessed,
		TotalPagesFound: &pagesProcessed,
		RecordsFound:    &recordsFound,
		RecordsInserted: &totals.Inserted,
		RecordsUpdated:  &totals.Updated,
		RecordsSkipped:  &totals.Skipped,
		RecordsErrored:  &totals.Errored,
		ErrorTypes:      totals.ErrorTypes,
		CanResume:       &canResume,
		DurationSeconds: &duration,
		CompletedAt:     &completedAt,
	})
	if err != nil {
		return err
	}

	o.progress.Update(ctx, jobID, models.ProgressUpdate{
		Percent:          floatPtr(100),
		CurrentStep:      strPtr("completed"),
		Phase:            strPtr("done"),
		RecordsProcessed: intPtr(recordsFound),
	})

	o.logger.WithFields(logrus.Fields{
		"job_id":   jobID,
		"pages":    pagesProcessed,
		"found":    recordsFound,
		"inserted": totals.Inserted,
		"updated":  totals.Updated,
		"skipped":  totals.Skipped,
		"errored":  totals.Errored,
		"duration": duration,
	}).Info("Sync job completed")
	return nil
}

// failJob records a job-level failure on the ledger. Failed jobs stay
// resumable from the last checkpoint.
func (o *Orchestrator) failJob(ctx context.Context, jobID string, cause error, page int, totals models.PageStats, recordsFound, pagesProcessed int, startedAt time.Time) {
	o.logger.WithError(cause).WithField("job_id", jobID).Error("Sync job failed")

	status := models.JobStatusFailed
	message := cause.Error()
	detail := fmt.Sprintf("failed on page %d", page)
	canResume := true
	completedAt := time.Now().UTC()
	duration := int(time.Since(startedAt).Seconds())

	err := o.ledger.Update(ctx, jobID, &models.JobUpdate{
		Status:          &status,
		StatusDetail:    &detail,
		CurrentPage:     &page,
		PagesProcessed:  &pagesProcessed,
		RecordsFound:    &recordsFound,
		RecordsInserted: &totals.Inserted,
		RecordsUpdated:  &totals.Updated,
		RecordsSkipped:  &totals.Skipped,
		RecordsErrored:  &totals.Errored,
		ErrorTypes:      totals.ErrorTypes,
		ErrorMessage:    &message,
		CanResume:       &canResume,
		DurationSeconds: &duration,
		CompletedAt:     &completedAt,
	})
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to record job failure")
	}

	o.progress.Update(ctx, jobID, models.ProgressUpdate{
		CurrentStep: strPtr("failed"),
		Phase:       strPtr("failed"),
	})
}

// finishCancelled flushes the terminal cancelled state. The checkpoint is
// retained for audit, but a user-cancelled job is not auto-resumable.
func (o *Orchestrator) finishCancelled(ctx context.Context, jobID string, page int, totals models.PageStats, recordsFound, pagesProcessed int, startedAt time.Time) {
	status := models.JobStatusCancelled
	canResume := false
	completedAt := time.Now().UTC()
	duration := int(time.Since(startedAt).Seconds())

	err := o.ledger.Update(ctx, jobID, &models.JobUpdate{
		Status:          &status,
		CurrentPage:     &page,
		PagesProcessed:  &pagesProcessed,
		RecordsFound:    &recordsFound,
		RecordsInserted: &totals.Inserted,
		RecordsUpdated:  &totals.Updated,
		RecordsSkipped:  &totals.Skipped,
		RecordsErrored:  &totals.Errored,
		ErrorTypes:      totals.ErrorTypes,
		CanResume:       &canResume,
		DurationSeconds: &duration,
		CompletedAt:     &completedAt,
	})
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to record job cancellation")
	}

	o.progress.Update(ctx, jobID, models.ProgressUpdate{
		CurrentStep: strPtr("cancelled"),
		Phase:       strPtr("cancelled"),
	})
}

// Cancel requests cooperative cancellation of a running job. The id may be
// a job id or the active lock id. The loop notices the status write at the
// next page boundary.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	job, err := o.ledger.Get(ctx, id)
	if err != nil {
		return err
	}

	if job == nil {
		if current := o.lock.Current(ctx); current != nil && current.ID == id {
			job, err = o.currentRunningJob(ctx)
			if err != nil {
				return err
			}
		}
	}
	if job == nil {
		return apperrors.NewNotFoundError(fmt.Sprintf("sync job %s not found", id), nil)
	}

	if job.IsTerminal() {
		// Already finalized; nothing to cancel.
		return nil
	}

	status := models.JobStatusCancelled
	detail := "cancellation requested"
	if err := o.ledger.Update(ctx, job.ID, &models.JobUpdate{Status: &status, StatusDetail: &detail}); err != nil {
		return err
	}

	o.logger.WithField("job_id", job.ID).Info("Cancellation requested")
	return nil
}

// Resume relaunches a resumable job from its stored checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, jobID string, holder models.Holder) (string, error) {
	return o.Start(ctx, models.SyncParams{ResumeJobID: jobID, Dedupe: true}, holder)
}

// Status reports whether a sync is running and summarizes the active job.
func (o *Orchestrator) Status(ctx context.Context) (*StatusView, error) {
	view := &StatusView{}

	if lock := o.lock.Current(ctx); lock != nil {
		view.IsRunning = true
		view.Lock = lock
	}

	job, err := o.currentRunningJob(ctx)
	if err != nil {
		return nil, err
	}
	view.CurrentJob = job

	return view, nil
}

// Progress returns the combined ledger entry and progress snapshot for one
// job.
func (o *Orchestrator) Progress(ctx context.Context, jobID string) (*ProgressView, error) {
	job, err := o.ledger.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("sync job %s not found", jobID), nil)
	}

	snapshot, err := o.progress.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &ProgressView{Job: job, Snapshot: snapshot}, nil
}

// ListJobs returns ledger entries narrowed by filter.
func (o *Orchestrator) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error) {
	return o.ledger.List(ctx, filter)
}

// ListResumable returns jobs eligible for Resume.
func (o *Orchestrator) ListResumable(ctx context.Context) ([]*models.SyncJob, error) {
	return o.ledger.ListResumable(ctx)
}

func (o *Orchestrator) currentRunningJob(ctx context.Context) (*models.SyncJob, error) {
	jobs, err := o.ledger.List(ctx, models.JobFilter{Status: models.JobStatusRunning, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pagePercent estimates completion from pages processed against the
// requested total, capped below the finalization band.
func pagePercent(pagesProcessed, totalEstimate int) float64 {
	if totalEstimate <= 0 {
		// Unbounded walk; report a crawling estimate that never reaches
		// the finalization band.
		p := float64(pagesProcessed)
		if p > 85 {
			p = 85
		}
		return p
	}
	p := float64(pagesProcessed) / float64(totalEstimate) * 85
	if p > 85 {
		p = 85
	}
	return p
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int { return &i }
func floatPtr(f float64) *float64 { return &f }
