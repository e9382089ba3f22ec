package models

import "time"

// SyncProgress is the ephemeral, frequently-overwritten progress view for
// polling clients. It is advisory only: losing an update never affects the
// correctness of the sync itself. The ledger remains the authoritative record.
type SyncProgress struct {
	JobID            string    `json:"job_id"`
	Percent          float64   `json:"percent"`
	CurrentStep      string    `json:"current_step"`
	CurrentPage      int       `json:"current_page"`
	TotalPages       int       `json:"total_pages"`
	RecordsProcessed int       `json:"records_processed"`
	CurrentRecord    string    `json:"current_record,omitempty"`
	Phase            string    `json:"phase,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ProgressUpdate carries only the fields a caller wants to change. Updates
// are merged over the stored snapshot; nil fields preserve existing values.
type ProgressUpdate struct {
	Percent          *float64
	CurrentStep      *string
	CurrentPage      *int
	TotalPages       *int
	RecordsProcessed *int
	CurrentRecord    *string
	Phase            *string
}
