package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/gestorhub/erp-sync/internal/models"
)

const productColumns = `id, reference, external_id, description, brand, group_name, subgroup, unit, gtin, active, price, modified_at, metadata, created_at, updated_at`

func scanProduct(scanner interface{ Scan(...interface{}) error }) (*models.Product, error) {
	var p models.Product
	var metadataJSON []byte

	err := scanner.Scan(
		&p.ID,
		&p.Reference,
		&p.ExternalID,
		&p.Description,
		&p.Brand,
		&p.Group,
		&p.Subgroup,
		&p.Unit,
		&p.GTIN,
		&p.Active,
		&p.Price,
		&p.ModifiedAt,
		&metadataJSON,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal product metadata: %w", err)
		}
	}

	return &p, nil
}

func marshalMetadata(p *models.Product) ([]byte, error) {
	if p.Metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal product metadata: %w", err)
	}
	return data, nil
}

// GetProductsByKeys fetches all products whose reference or external id
// appears in the given slices. The merger resolves the composite natural
// key against the result in memory.
func (s *PostgresStore) GetProductsByKeys(ctx context.Context, references, externalIDs []string) ([]*models.Product, error) {
	if len(references) == 0 && len(externalIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM products
		WHERE reference = ANY($1) OR external_id = ANY($2)
	`, productColumns), pq.Array(references), pq.Array(externalIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query products by keys: %w", err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product row: %w", err)
		}
		products = append(products, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating product rows: %w", err)
	}

	return products, nil
}

// InsertProducts inserts a batch of products in one statement and returns
// the inserted count. A unique violation aborts the whole statement; the
// caller falls back to per-row inserts in that case.
func (s *PostgresStore) InsertProducts(ctx context.Context, products []*models.Product) (int, error) {
	if len(products) == 0 {
		return 0, nil
	}

	var (
		placeholders []string
		args         []interface{}
	)
	argCount := 0
	for _, p := range products {
		metadataJSON, err := marshalMetadata(p)
		if err != nil {
			return 0, err
		}
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, NOW(), NOW())",
			argCount+1, argCount+2, argCount+3, argCount+4, argCount+5, argCount+6,
			argCount+7, argCount+8, argCount+9, argCount+10, argCount+11, argCount+12))
		args = append(args,
			p.Reference, p.ExternalID, p.Description, p.Brand, p.Group, p.Subgroup,
			p.Unit, p.GTIN, p.Active, p.Price, p.ModifiedAt, metadataJSON)
		argCount += 12
	}

	query := fmt.Sprintf(`
		INSERT INTO products (reference, external_id, description, brand, group_name, subgroup, unit, gtin, active, price, modified_at, metadata, created_at, updated_at)
		VALUES %s
	`, strings.Join(placeholders, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return len(products), nil
	}
	return int(affected), nil
}

// InsertProduct inserts a single product row.
func (s *PostgresStore) InsertProduct(ctx context.Context, p *models.Product) error {
	metadataJSON, err := marshalMetadata(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (reference, external_id, description, brand, group_name, subgroup, unit, gtin, active, price, modified_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
	`, p.Reference, p.ExternalID, p.Description, p.Brand, p.Group, p.Subgroup,
		p.Unit, p.GTIN, p.Active, p.Price, p.ModifiedAt, metadataJSON)
	return err
}

// UpdateProduct rewrites the full record identified by its id.
func (s *PostgresStore) UpdateProduct(ctx context.Context, p *models.Product) error {
	metadataJSON, err := marshalMetadata(p)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE products SET
			reference = $1,
			external_id = $2,
			description = $3,
			brand = $4,
			group_name = $5,
			subgroup = $6,
			unit = $7,
			gtin = $8,
			active = $9,
			price = $10,
			modified_at = $11,
			metadata = $12,
			updated_at = NOW()
		WHERE id = $13
	`, p.Reference, p.ExternalID, p.Description, p.Brand, p.Group, p.Subgroup,
		p.Unit, p.GTIN, p.Active, p.Price, p.ModifiedAt, metadataJSON, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update product %d: %w", p.ID, err)
	}

	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("product %d not found", p.ID)
	}
	return nil
}

// GetLatestModifiedAt returns the newest upstream modification timestamp
// stored locally, or nil when no product carries one.
func (s *PostgresStore) GetLatestModifiedAt(ctx context.Context) (*time.Time, error) {
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(modified_at) FROM products
	`).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest modified_at: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	return &latest.Time, nil
}

// RebuildAggregates refreshes the brand, group and subgroup lookup tables
// from the distinct values present in products. Existing rows are kept.
func (s *PostgresStore) RebuildAggregates(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`INSERT INTO brands (name)
		 SELECT DISTINCT brand FROM products WHERE brand IS NOT NULL AND brand <> ''
		 ON CONFLICT (name) DO NOTHING`,
		`INSERT INTO product_groups (name)
		 SELECT DISTINCT group_name FROM products WHERE group_name IS NOT NULL AND group_name <> ''
		 ON CONFLICT (name) DO NOTHING`,
		`INSERT INTO product_subgroups (name)
		 SELECT DISTINCT subgroup FROM products WHERE subgroup IS NOT NULL AND subgroup <> ''
		 ON CONFLICT (name) DO NOTHING`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to rebuild aggregates: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit aggregate rebuild: %w", err)
	}
	return nil
}
