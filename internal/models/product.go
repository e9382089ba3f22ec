package models

import "time"

// Product is the local record merged from the upstream ERP catalog.
// Reference and ExternalID form the composite natural key; both are
// normalized to non-null strings (empty string when absent) so key
// lookups never have to deal with NULL comparisons.
type Product struct {
	ID          int64                  `json:"id"`
	Reference   string                 `json:"reference"`
	ExternalID  string                 `json:"external_id"`
	Description string                 `json:"description"`
	Brand       *string                `json:"brand,omitempty"`
	Group       *string                `json:"group,omitempty"`
	Subgroup    *string                `json:"subgroup,omitempty"`
	Unit        *string                `json:"unit,omitempty"`
	GTIN        *string                `json:"gtin,omitempty"`
	Active      bool                   `json:"active"`
	Price       *float64               `json:"price,omitempty"`
	ModifiedAt  *time.Time             `json:"modified_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// NaturalKey returns the composite lookup key used for duplicate detection.
func (p *Product) NaturalKey() string {
	return p.ExternalID + ":" + p.Reference
}
