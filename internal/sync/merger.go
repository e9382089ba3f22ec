package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gestorhub/erp-sync/internal/config"
	"github.com/gestorhub/erp-sync/internal/db"
	"github.com/gestorhub/erp-sync/internal/erp"
	"github.com/gestorhub/erp-sync/internal/models"
)

// MergeOptions control how one page of records is applied to storage.
type MergeOptions struct {
	ActiveOnly bool
	Dedupe     bool
	DryRun     bool
}

// Merger applies a page of transformed records to the product store. New
// records are batch-inserted; existing records are updated per row after a
// staleness check. Individual row failures are counted, never fatal for
// the page.
type Merger struct {
	store       db.Store
	transformer *Transformer
	logger      *logrus.Logger

	chunkSize int
	retries   int
	backoff   time.Duration
}

func NewMerger(store db.Store, transformer *Transformer, cfg *config.SyncConfig, logger *logrus.Logger) *Merger {
	return &Merger{
		store:       store,
		transformer: transformer,
		logger:      logger,
		chunkSize:   cfg.LookupChunkSize,
		retries:     cfg.StorageRetries,
		backoff:     cfg.StorageBackoff,
	}
}

// UpsertPage merges one page of raw upstream records and returns the page
// counters.
func (m *Merger) UpsertPage(ctx context.Context, records []erp.Record, opts MergeOptions) (models.PageStats, error) {
	stats := models.PageStats{ErrorTypes: make(map[string]int)}

	// Filter before transforming or querying; excluded rows never touch
	// storage when the caller asked for active records only.
	if opts.ActiveOnly {
		var kept []erp.Record
		for _, rec := range records {
			if isExcluded(rec) {
				stats.Skipped++
				continue
			}
			kept = append(kept, rec)
		}
		records = kept
	}

	var products []*models.Product
	for _, rec := range records {
		product, err := m.transformer.Transform(ctx, rec)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to transform record")
			stats.Errored++
			stats.ErrorTypes["transform"]++
			continue
		}
		products = append(products, product)
	}

	existing := map[string]*models.Product{}
	if opts.Dedupe {
		var err error
		existing, err = m.lookupExisting(ctx, products)
		if err != nil {
			return stats, err
		}
	}

	var toInsert []*models.Product
	var toUpdate []*models.Product
	for _, product := range products {
		match := findMatch(existing, product)
		if match == nil {
			toInsert = append(toInsert, product)
			continue
		}

		// Stale write prevention: only apply an incoming record whose
		// upstream timestamp is strictly newer than the stored one.
		if product.ModifiedAt != nil && match.ModifiedAt != nil && !product.ModifiedAt.After(*match.ModifiedAt) {
			stats.Skipped++
			continue
		}

		product.ID = match.ID
		toUpdate = append(toUpdate, product)
	}

	if opts.DryRun {
		stats.Inserted = len(toInsert)
		stats.Updated = len(toUpdate)
		return stats, nil
	}

	if err := m.insertBatch(ctx, toInsert, &stats); err != nil {
		return stats, err
	}

	for _, product := range toUpdate {
		err := m.withRetry(ctx, func() error {
			return m.store.UpdateProduct(ctx, product)
		})
		if err != nil {
			return stats, fmt.Errorf("failed to update product %s: %w", product.NaturalKey(), err)
		}
		stats.Updated++
	}

	return stats, nil
}

// insertBatch inserts all new records in one statement, falling back to
// row-by-row insertion when the batch hits a unique violation so one
// conflicting row does not lose the rest of the page.
func (m *Merger) insertBatch(ctx context.Context, products []*models.Product, stats *models.PageStats) error {
	if len(products) == 0 {
		return nil
	}

	var batchErr error
	err := m.withRetry(ctx, func() error {
		_, batchErr = m.store.InsertProducts(ctx, products)
		return batchErr
	})
	if err == nil {
		stats.Inserted += len(products)
		return nil
	}
	if !db.IsUniqueViolation(err) {
		return fmt.Errorf("failed to insert product batch: %w", err)
	}

	m.logger.WithField("batch_size", len(products)).Warn("Batch insert hit a duplicate key, retrying row by row")

	for _, product := range products {
		err := m.withRetry(ctx, func() error {
			return m.store.InsertProduct(ctx, product)
		})
		if err == nil {
			stats.Inserted++
			continue
		}
		if db.IsUniqueViolation(err) {
			stats.Errored++
			stats.ErrorTypes["duplicate_key"]++
			m.logger.WithField("key", product.NaturalKey()).Debug("Skipped duplicate product")
			continue
		}
		return fmt.Errorf("failed to insert product %s: %w", product.NaturalKey(), err)
	}

	return nil
}

// lookupExisting batch-fetches stored products for the page's natural keys
// in chunks sized to stay under the parameter-count ceiling and indexes
// them for matching.
func (m *Merger) lookupExisting(ctx context.Context, products []*models.Product) (map[string]*models.Product, error) {
	index := make(map[string]*models.Product)
	if len(products) == 0 {
		return index, nil
	}

	for start := 0; start < len(products); start += m.chunkSize {
		end := start + m.chunkSize
		if end > len(products) {
			end = len(products)
		}

		var references, externalIDs []string
		for _, p := range products[start:end] {
			if p.Reference != "" {
				references = append(references, p.Reference)
			}
			if p.ExternalID != "" {
				externalIDs = append(externalIDs, p.ExternalID)
			}
		}

		var found []*models.Product
		err := m.withRetry(ctx, func() error {
			var lookupErr error
			found, lookupErr = m.store.GetProductsByKeys(ctx, references, externalIDs)
			return lookupErr
		})
		if err != nil {
			return nil, fmt.Errorf("failed to look up existing products: %w", err)
		}

		for _, p := range found {
			index[p.NaturalKey()] = p
			if p.Reference != "" {
				if _, ok := index["ref:"+p.Reference]; !ok {
					index["ref:"+p.Reference] = p
				}
			}
			if p.ExternalID != "" {
				if _, ok := index["id:"+p.ExternalID]; !ok {
					index["id:"+p.ExternalID] = p
				}
			}
		}
	}

	return index, nil
}

// findMatch resolves an incoming product against the existing index by the
// composite natural key first, then by either key component alone.
func findMatch(index map[string]*models.Product, product *models.Product) *models.Product {
	if match, ok := index[product.NaturalKey()]; ok {
		return match
	}
	if product.Reference != "" {
		if match, ok := index["ref:"+product.Reference]; ok {
			return match
		}
	}
	if product.ExternalID != "" {
		if match, ok := index["id:"+product.ExternalID]; ok {
			return match
		}
	}
	return nil
}

// withRetry retries transient storage failures with exponential backoff.
// Unique violations are deterministic and returned immediately.
func (m *Merger) withRetry(ctx context.Context, fn func() error) error {
	backoff := m.backoff
	var err error

	for attempt := 0; attempt < m.retries; attempt++ {
		err = fn()
		if err == nil || db.IsUniqueViolation(err) {
			return err
		}

		m.logger.WithError(err).Warnf("Storage operation failed (attempt %d/%d)", attempt+1, m.retries)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}

	return err
}

// isExcluded reports whether the raw upstream record carries an
// affirmative excluded flag.
func isExcluded(rec erp.Record) bool {
	s := strings.ToUpper(strings.TrimSpace(asString(rec["excluido"])))
	return s == "S" || s == "Y" || s == "TRUE" || s == "1"
}
