package db

import (
	"context"
	"fmt"
)

// ListReferenceEntries returns the id to title map for one reference kind
// (brand, category, unit). The transformer caches the result alongside the
// field mappings.
func (s *PostgresStore) ListReferenceEntries(ctx context.Context, kind string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ref_id, title FROM erp_references WHERE kind = $1
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s references: %w", kind, err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var refID, title string
		if err := rows.Scan(&refID, &title); err != nil {
			return nil, fmt.Errorf("failed to scan reference row: %w", err)
		}
		entries[refID] = title
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reference rows: %w", err)
	}

	return entries, nil
}

// SaveReferenceEntries upserts the id to title map for one reference kind.
// Upstream reference objects are refreshed whenever a sync encounters them.
func (s *PostgresStore) SaveReferenceEntries(ctx context.Context, kind string, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO erp_references (kind, ref_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (kind, ref_id) DO UPDATE SET
			title = EXCLUDED.title,
			updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare reference statement: %w", err)
	}
	defer stmt.Close()

	for refID, title := range entries {
		if _, err := stmt.ExecContext(ctx, kind, refID, title); err != nil {
			return fmt.Errorf("failed to save %s reference %s: %w", kind, refID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reference save: %w", err)
	}
	return nil
}
