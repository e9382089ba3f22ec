package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/gestorhub/erp-sync/internal/models"
)

// memStore is an in-memory db.Store used across the package tests. Failure
// hooks let individual tests inject storage errors.
type memStore struct {
	mu sync.Mutex

	products   []*models.Product
	nextID     int64
	jobs       map[string]*models.SyncJob
	progress   map[string]*models.SyncProgress
	mappings   []*models.FieldMapping
	references map[string]map[string]string

	insertBatchErr         error
	transientBatchFailures int
	insertRowErr           func(p *models.Product) error
	updateErr              error
	lookupErr              error
	aggregatesHit          int
}

func newMemStore() *memStore {
	return &memStore{
		nextID:     1,
		jobs:       make(map[string]*models.SyncJob),
		progress:   make(map[string]*models.SyncProgress),
		references: make(map[string]map[string]string),
	}
}

func uniqueViolation() error {
	return &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"}
}

func defaultMappings() []*models.FieldMapping {
	return []*models.FieldMapping{
		{ID: 1, ExternalPath: "referencia", InternalField: "reference", TransformKind: models.TransformDirect, SortOrder: 10, Active: true},
		{ID: 2, ExternalPath: "id_product", InternalField: "external_id", TransformKind: models.TransformDirect, SortOrder: 20, Active: true},
		{ID: 3, ExternalPath: "descricao", InternalField: "description", TransformKind: models.TransformDirect, SortOrder: 30, Active: true},
		{ID: 4, ExternalPath: "excluido", InternalField: "active", TransformKind: models.TransformBooleanInverted, SortOrder: 40, Active: true},
		{ID: 5, ExternalPath: "preco", InternalField: "price", TransformKind: models.TransformDecimal, SortOrder: 50, Active: true},
		{ID: 6, ExternalPath: "_ref.brand.title", InternalField: "brand", TransformKind: models.TransformDirect, SortOrder: 60, Active: true},
		{ID: 7, ExternalPath: "gtin.ean", InternalField: "gtin", TransformKind: models.TransformDirect, SortOrder: 70, Active: true},
		{ID: 8, ExternalPath: "observacao", InternalField: "metadata->notes", TransformKind: models.TransformMetadata, SortOrder: 80, Active: true},
	}
}

func (s *memStore) GetProductsByKeys(ctx context.Context, references, externalIDs []string) ([]*models.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupErr != nil {
		return nil, s.lookupErr
	}

	refSet := make(map[string]bool, len(references))
	for _, r := range references {
		refSet[r] = true
	}
	idSet := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		idSet[id] = true
	}

	var found []*models.Product
	for _, p := range s.products {
		if refSet[p.Reference] || idSet[p.ExternalID] {
			clone := *p
			found = append(found, &clone)
		}
	}
	return found, nil
}

func (s *memStore) InsertProducts(ctx context.Context, products []*models.Product) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transientBatchFailures > 0 {
		s.transientBatchFailures--
		return 0, fmt.Errorf("connection reset by peer")
	}
	if s.insertBatchErr != nil {
		return 0, s.insertBatchErr
	}
	for _, p := range products {
		if s.hasKeyLocked(p) {
			return 0, uniqueViolation()
		}
	}
	for _, p := range products {
		s.insertLocked(p)
	}
	return len(products), nil
}

func (s *memStore) InsertProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertRowErr != nil {
		if err := s.insertRowErr(p); err != nil {
			return err
		}
	}
	if s.hasKeyLocked(p) {
		return uniqueViolation()
	}
	s.insertLocked(p)
	return nil
}

func (s *memStore) hasKeyLocked(p *models.Product) bool {
	for _, existing := range s.products {
		if existing.Reference == p.Reference && existing.ExternalID == p.ExternalID {
			return true
		}
	}
	return false
}

func (s *memStore) insertLocked(p *models.Product) {
	clone := *p
	clone.ID = s.nextID
	s.nextID++
	clone.CreatedAt = time.Now()
	clone.UpdatedAt = time.Now()
	s.products = append(s.products, &clone)
}

func (s *memStore) UpdateProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.updateErr != nil {
		return s.updateErr
	}
	for i, existing := range s.products {
		if existing.ID == p.ID {
			clone := *p
			clone.CreatedAt = existing.CreatedAt
			clone.UpdatedAt = time.Now()
			s.products[i] = &clone
			return nil
		}
	}
	return fmt.Errorf("product %d not found", p.ID)
}

func (s *memStore) GetLatestModifiedAt(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *time.Time
	for _, p := range s.products {
		if p.ModifiedAt != nil && (latest == nil || p.ModifiedAt.After(*latest)) {
			ts := *p.ModifiedAt
			latest = &ts
		}
	}
	return latest, nil
}

func (s *memStore) RebuildAggregates(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregatesHit++
	return nil
}

func (s *memStore) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	clone.LastActivityAt = time.Now()
	s.jobs[job.ID] = &clone
	return nil
}

func (s *memStore) UpdateSyncJob(ctx context.Context, jobID string, update *models.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("sync job %s not found", jobID)
	}

	job.LastActivityAt = time.Now()
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.StatusDetail != nil {
		job.StatusDetail = *update.StatusDetail
	}
	if update.CurrentPage != nil {
		job.CurrentPage = *update.CurrentPage
	}
	if update.PagesProcessed != nil {
		job.PagesProcessed = *update.PagesProcessed
	}
	if update.TotalPagesFound != nil {
		job.TotalPagesFound = *update.TotalPagesFound
	}
	if update.ResumeFromPage != nil {
		job.ResumeFromPage = *update.ResumeFromPage
	}
	if update.RecordsFound != nil {
		job.RecordsFound = *update.RecordsFound
	}
	if update.RecordsInserted != nil {
		job.RecordsInserted = *update.RecordsInserted
	}
	if update.RecordsUpdated != nil {
		job.RecordsUpdated = *update.RecordsUpdated
	}
	if update.RecordsSkipped != nil {
		job.RecordsSkipped = *update.RecordsSkipped
	}
	if update.RecordsErrored != nil {
		job.RecordsErrored = *update.RecordsErrored
	}
	if update.ErrorTypes != nil {
		job.ErrorTypes = update.ErrorTypes
	}
	if update.CanResume != nil {
		job.CanResume = *update.CanResume
	}
	if update.ErrorMessage != nil {
		job.ErrorMessage = *update.ErrorMessage
	}
	if update.ErrorDetail != nil {
		job.ErrorDetail = *update.ErrorDetail
	}
	if update.DurationSeconds != nil {
		job.DurationSeconds = *update.DurationSeconds
	}
	if update.CompletedAt != nil {
		ts := *update.CompletedAt
		job.CompletedAt = &ts
	}
	return nil
}

func (s *memStore) GetSyncJob(ctx context.Context, jobID string) (*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	clone := *job
	return &clone, nil
}

func (s *memStore) ListSyncJobs(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.SyncJob
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.SyncType != "" && job.SyncType != filter.SyncType {
			continue
		}
		if filter.CanResume != nil && job.CanResume != *filter.CanResume {
			continue
		}
		clone := *job
		jobs = append(jobs, &clone)
	}
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *memStore) ListResumableJobs(ctx context.Context) ([]*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.SyncJob
	for _, job := range s.jobs {
		if job.CanResume && (job.Status == models.JobStatusFailed || job.Status == models.JobStatusCancelled) {
			clone := *job
			jobs = append(jobs, &clone)
		}
	}
	return jobs, nil
}

func (s *memStore) ListStalledJobs(ctx context.Context, olderThan time.Duration) ([]*models.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var jobs []*models.SyncJob
	for _, job := range s.jobs {
		if job.Status == models.JobStatusRunning && job.LastActivityAt.Before(cutoff) {
			clone := *job
			jobs = append(jobs, &clone)
		}
	}
	return jobs, nil
}

func (s *memStore) GetSyncProgress(ctx context.Context, jobID string) (*models.SyncProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[jobID]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (s *memStore) SaveSyncProgress(ctx context.Context, progress *models.SyncProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *progress
	s.progress[progress.JobID] = &clone
	return nil
}

func (s *memStore) ListFieldMappings(ctx context.Context) ([]*models.FieldMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mappings == nil {
		return defaultMappings(), nil
	}
	return s.mappings, nil
}

func (s *memStore) ListReferenceEntries(ctx context.Context, kind string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]string)
	for id, title := range s.references[kind] {
		entries[id] = title
	}
	return entries, nil
}

func (s *memStore) SaveReferenceEntries(ctx context.Context, kind string, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.references[kind] == nil {
		s.references[kind] = make(map[string]string)
	}
	for id, title := range entries {
		s.references[kind][id] = title
	}
	return nil
}

func (s *memStore) productByKey(reference, externalID string) *models.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.products {
		if p.Reference == reference && p.ExternalID == externalID {
			clone := *p
			return &clone
		}
	}
	return nil
}

func (s *memStore) productCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.products)
}
