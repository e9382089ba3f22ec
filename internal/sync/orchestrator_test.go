package sync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gestorhub/erp-sync/internal/errors"
	"github.com/gestorhub/erp-sync/internal/erp"
	"github.com/gestorhub/erp-sync/internal/models"
)

// fakeClient serves canned pages and records every request it sees.
type fakeClient struct {
	mu      sync.Mutex
	pages   [][]erp.Record
	calls   []erp.PageRequest
	errPage int
	onFetch func(page int)
}

func (c *fakeClient) FetchPage(ctx context.Context, req erp.PageRequest) ([]erp.Record, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	hook := c.onFetch
	c.mu.Unlock()

	if hook != nil {
		hook(req.Page)
	}

	if c.errPage > 0 && req.Page == c.errPage {
		return nil, &erp.ERPError{StatusCode: 500, Message: "upstream unavailable"}
	}
	if req.Page > len(c.pages) {
		return nil, nil
	}
	return c.pages[req.Page-1], nil
}

func (c *fakeClient) requestedPages() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	pages := make([]int, len(c.calls))
	for i, call := range c.calls {
		pages[i] = call.Page
	}
	return pages
}

func makeRecords(page, n int) []erp.Record {
	records := make([]erp.Record, n)
	for i := 0; i < n; i++ {
		records[i] = erp.Record{
			"referencia":   fmt.Sprintf("REF-%d-%d", page, i),
			"id_product":   fmt.Sprintf("%d%03d", page, i),
			"descricao":    fmt.Sprintf("Product %d/%d", page, i),
			"_modified_at": "2024-03-01T10:00:00Z",
		}
	}
	return records
}

func newTestOrchestrator(t *testing.T, store *memStore, client erp.Client) *Orchestrator {
	cfg := testConfig()
	logger := testLogger()
	lock := NewLockManager(nil, cfg, logger)
	t.Cleanup(lock.Stop)

	ledger := NewLedger(store, logger)
	progress := NewProgressTracker(store, logger)
	transformer := NewTransformer(store, cfg.MappingCacheTTL, logger)
	merger := NewMerger(store, transformer, cfg, logger)
	return NewOrchestrator(client, store, lock, ledger, progress, merger, cfg, logger)
}

func waitForTerminal(t *testing.T, store *memStore, jobID string) *models.SyncJob {
	t.Helper()
	var job *models.SyncJob
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetSyncJob(context.Background(), jobID)
		return err == nil && job != nil && job.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "job should reach a terminal status")
	return job
}

func TestOrchestrator_QuickSyncShortPageCompletes(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{pages: [][]erp.Record{
		makeRecords(1, 50),
		makeRecords(2, 50),
		makeRecords(3, 10),
	}}
	o := newTestOrchestrator(t, store, client)
	ctx := context.Background()

	limit := 50
	jobID, err := o.Start(ctx, models.SyncParams{
		Limit:  &limit,
		Pages:  2,
		Dedupe: true,
	}, models.Holder{Email: "ops@example.com"})
	require.NoError(t, err)

	job := waitForTerminal(t, store, jobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.PagesProcessed, "short page ends the walk after the third call")
	assert.False(t, job.CanResume)
	assert.Equal(t, 110, job.RecordsFound)
	assert.Equal(t, 110, job.RecordsInserted)
	assert.Equal(t, []int{1, 2, 3}, client.requestedPages())
	assert.Equal(t, 110, store.productCount())
	assert.Equal(t, 1, store.aggregatesHit, "aggregates rebuilt once on completion")

	assert.False(t, o.lock.IsRunning(ctx), "lock released after completion")

	snapshot, err := o.progress.Get(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, 100.0, snapshot.Percent)
}

func TestOrchestrator_DeniedStartCreatesNoLedgerEntry(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	client := &fakeClient{
		pages: [][]erp.Record{makeRecords(1, 5)},
		onFetch: func(page int) {
			<-release
		},
	}
	o := newTestOrchestrator(t, store, client)
	ctx := context.Background()

	jobID, err := o.Start(ctx, models.SyncParams{Pages: 1, Dedupe: true}, models.Holder{Email: "alice@example.com"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return o.lock.IsRunning(ctx)
	}, time.Second, 5*time.Millisecond)

	_, err = o.Start(ctx, models.SyncParams{Pages: 1}, models.Holder{Email: "bob@example.com"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
	assert.Contains(t, err.Error(), "alice@example.com")

	jobs, err := store.ListSyncJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "denied start must not create a ledger entry")

	close(release)
	waitForTerminal(t, store, jobID)
}

func TestOrchestrator_CancellationStopsAtPageBoundary(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{pages: [][]erp.Record{
		makeRecords(1, 50),
		makeRecords(2, 50),
		makeRecords(3, 50),
		makeRecords(4, 50),
	}}
	o := newTestOrchestrator(t, store, client)
	ctx := context.Background()

	// The fetch of page 2 blocks until the job id is known, then requests
	// cancellation; the loop notices it at the next page boundary.
	idCh := make(chan string, 1)
	var once sync.Once
	client.onFetch = func(page int) {
		if page == 2 {
			once.Do(func() {
				require.NoError(t, o.Cancel(ctx, <-idCh))
			})
		}
	}

	jobID, err := o.Start(ctx, models.SyncParams{
		Pages:  models.CompletePagesSentinel,
		Dedupe: true,
	}, models.Holder{Email: "ops@example.com"})
	require.NoError(t, err)
	idCh <- jobID

	job := waitForTerminal(t, store, jobID)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Equal(t, 2, job.PagesProcessed, "page 2 finishes before the poll notices the cancellation")
	assert.Equal(t, 3, job.ResumeFromPage, "checkpoint retained for audit")
	assert.False(t, job.CanResume, "a user-cancelled job is not auto-resumable")
	assert.False(t, o.lock.IsRunning(ctx))
}

func TestOrchestrator_FailureIsResumable(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{
		pages: [][]erp.Record{
			makeRecords(1, 50),
			makeRecords(2, 50),
			makeRecords(3, 10),
		},
		errPage: 2,
	}
	o := newTestOrchestrator(t, store, client)
	ctx := context.Background()

	limit := 50
	jobID, err := o.Start(ctx, models.SyncParams{Limit: &limit, Pages: 3, Dedupe: true}, models.Holder{Email: "ops@example.com"})
	require.NoError(t, err)

	job := waitForTerminal(t, store, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.True(t, job.CanResume)
	assert.Equal(t, 2, job.ResumeFromPage)
	assert.Contains(t, job.ErrorMessage, "page 2")
	assert.Equal(t, 50, job.RecordsInserted)
	assert.False(t, o.lock.IsRunning(ctx), "lock released on failure")

	// Clear the fault and resume from the checkpoint.
	client.errPage = 0
	resumedID, err := o.Resume(ctx, jobID, models.Holder{Email: "ops@example.com"})
	require.NoError(t, err)
	assert.Equal(t, jobID, resumedID, "resume reuses the original ledger entry")

	job = waitForTerminal(t, store, resumedID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.False(t, job.CanResume)
	assert.Equal(t, 3, job.PagesProcessed, "counters sum across the original run and the resume")
	assert.Equal(t, 110, job.RecordsFound)
	assert.Equal(t, 110, job.RecordsInserted)
	assert.Equal(t, 110, store.productCount())

	pages := client.requestedPages()
	assert.Equal(t, []int{1, 2, 2, 3}, pages, "resume begins at the recorded checkpoint")
}

func TestOrchestrator_ResumeCompletedJobStartsFresh(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{pages: [][]erp.Record{makeRecords(1, 5)}}
	o := newTestOrchestrator(t, store, client)
	ctx := context.Background()

	limit := 50
	jobID, err := o.Start(ctx, models.SyncParams{Limit: &limit, Pages: 1, Dedupe: true}, models.Holder{Email: "ops@example.com"})
	require.NoError(t, err)
	waitForTerminal(t, store, jobID)

	freshID, err := o.Resume(ctx, jobID, models.Holder{Email: "ops@example.com"})
	require.NoError(t, err)
	assert.NotEqual(t, jobID, freshID, "completed jobs are never silently re-run")

	job := waitForTerminal(t, store, freshID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestOrchestrator_ResumeCancelledJobRejected(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{}
	o := newTestOrchestrator(t, store, client)
	ctx := context.Background()

	jobID, err := o.ledger.Create(ctx, models.SyncParams{Pages: 2}, "ops@example.com", nil)
	require.NoError(t, err)

	// A user-cancelled job keeps its checkpoint but is not auto-resumable.
	cancelled := models.JobStatusCancelled
	noResume := false
	require.NoError(t, o.ledger.Update(ctx, jobID, &models.JobUpdate{Status: &cancelled, CanResume: &noResume}))

	_, err = o.Resume(ctx, jobID, models.Holder{Email: "ops@example.com"})
	require.Error(t, err)
	var notResumable *apperrors.JobNotResumableError
	assert.ErrorAs(t, err, &notResumable)
	assert.False(t, o.lock.IsRunning(ctx), "lock released after rejected resume")

	_, err = o.Resume(ctx, "missing-job", models.Holder{Email: "ops@example.com"})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestOrchestrator_DryRunReportsWithoutWriting(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{pages: [][]erp.Record{makeRecords(1, 5)}}
	o := newTestOrchestrator(t, store, client)
	ctx := context.Background()

	limit := 50
	jobID, err := o.Start(ctx, models.SyncParams{
		Limit:  &limit,
		Pages:  1,
		Dedupe: true,
		DryRun: true,
	}, models.Holder{Email: "ops@example.com"})
	require.NoError(t, err)

	assert.False(t, o.lock.IsRunning(ctx), "dry runs do not take the sync lock")

	job := waitForTerminal(t, store, jobID)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 5, job.RecordsInserted, "would-be insert count")
	assert.Zero(t, store.productCount(), "dry run must not write products")
	assert.Zero(t, store.aggregatesHit, "dry run must not rebuild aggregates")
}

func TestOrchestrator_StatusAndProgressViews(t *testing.T) {
	store := newMemStore()
	client := &fakeClient{pages: [][]erp.Record{makeRecords(1, 5)}}
	o := newTestOrchestrator(t, store, client)
	ctx := context.Background()

	limit := 50
	jobID, err := o.Start(ctx, models.SyncParams{Limit: &limit, Pages: 1, Dedupe: true}, models.Holder{Email: "ops@example.com"})
	require.NoError(t, err)
	waitForTerminal(t, store, jobID)

	status, err := o.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.Nil(t, status.CurrentJob)

	view, err := o.Progress(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, view.Job)
	assert.Equal(t, models.JobStatusCompleted, view.Job.Status)
	require.NotNil(t, view.Snapshot)
	assert.Equal(t, 100.0, view.Snapshot.Percent)

	_, err = o.Progress(ctx, "no-such-job")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}
