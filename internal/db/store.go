package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/gestorhub/erp-sync/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

// Store defines the interface for database operations
type Store interface {
	// Product operations
	GetProductsByKeys(ctx context.Context, references, externalIDs []string) ([]*models.Product, error)
	InsertProducts(ctx context.Context, products []*models.Product) (int, error)
	InsertProduct(ctx context.Context, product *models.Product) error
	UpdateProduct(ctx context.Context, product *models.Product) error
	GetLatestModifiedAt(ctx context.Context) (*time.Time, error)
	RebuildAggregates(ctx context.Context) error

	// Sync job operations
	CreateSyncJob(ctx context.Context, job *models.SyncJob) error
	UpdateSyncJob(ctx context.Context, jobID string, update *models.JobUpdate) error
	GetSyncJob(ctx context.Context, jobID string) (*models.SyncJob, error)
	ListSyncJobs(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error)
	ListResumableJobs(ctx context.Context) ([]*models.SyncJob, error)
	ListStalledJobs(ctx context.Context, olderThan time.Duration) ([]*models.SyncJob, error)

	// Progress operations
	GetSyncProgress(ctx context.Context, jobID string) (*models.SyncProgress, error)
	SaveSyncProgress(ctx context.Context, progress *models.SyncProgress) error

	// Field mapping operations
	ListFieldMappings(ctx context.Context) ([]*models.FieldMapping, error)

	// Reference side-table operations
	ListReferenceEntries(ctx context.Context, kind string) (map[string]string, error)
	SaveReferenceEntries(ctx context.Context, kind string, entries map[string]string) error
}

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Migrate() error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.Up(s.db, "internal/db/migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
