package db

import (
	"context"
	"fmt"

	"github.com/gestorhub/erp-sync/internal/models"
)

// ListFieldMappings returns the active field mappings in sort order.
func (s *PostgresStore) ListFieldMappings(ctx context.Context) ([]*models.FieldMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_path, internal_field, transform_kind, sort_order, active
		FROM field_mappings
		WHERE active = TRUE
		ORDER BY sort_order ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query field mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.FieldMapping
	for rows.Next() {
		var m models.FieldMapping
		if err := rows.Scan(&m.ID, &m.ExternalPath, &m.InternalField, &m.TransformKind, &m.SortOrder, &m.Active); err != nil {
			return nil, fmt.Errorf("failed to scan field mapping row: %w", err)
		}
		mappings = append(mappings, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating field mapping rows: %w", err)
	}

	return mappings, nil
}
