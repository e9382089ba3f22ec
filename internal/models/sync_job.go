package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job statuses. Terminal statuses are never left once reached.
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Sync kinds. A "complete" sync walks the whole catalog; a "quick" sync
// is bounded by the requested page count and limit.
const (
	SyncTypeQuick    = "quick"
	SyncTypeComplete = "complete"
)

// SyncJob is the durable ledger entry for one sync attempt. Entries are
// retained indefinitely as audit history and survive process restarts.
type SyncJob struct {
	ID              string         `json:"id"`
	SyncType        string         `json:"sync_type"`
	Status          string         `json:"status"`
	StatusDetail    string         `json:"status_detail,omitempty"`
	ActiveOnly      bool           `json:"active_only"`
	LimitRequested  *int           `json:"limit_requested,omitempty"`
	PagesRequested  *int           `json:"pages_requested,omitempty"`
	EffectiveLimit  *int           `json:"effective_limit,omitempty"`
	TriggeredBy     string         `json:"triggered_by"`
	CurrentPage     int            `json:"current_page"`
	PagesProcessed  int            `json:"pages_processed"`
	TotalPagesFound int            `json:"total_pages_found"`
	ResumeFromPage  int            `json:"resume_from_page"`
	RecordsFound    int            `json:"records_found"`
	RecordsInserted int            `json:"records_inserted"`
	RecordsUpdated  int            `json:"records_updated"`
	RecordsSkipped  int            `json:"records_skipped"`
	RecordsErrored  int            `json:"records_errored"`
	ErrorTypes      map[string]int `json:"error_types,omitempty"`
	CanResume       bool           `json:"can_resume"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorDetail     string         `json:"error_detail,omitempty"`
	DurationSeconds int            `json:"duration_seconds"`
	StartedAt       time.Time      `json:"started_at"`
	LastActivityAt  time.Time      `json:"last_activity_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the job reached a final status.
func (j *SyncJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed || j.Status == JobStatusCancelled
}

// String returns the JSON representation of the job, used in logs.
func (j *SyncJob) String() string {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal sync job: %v"}`, err)
	}
	return string(data)
}

// JobUpdate is a partial-field update against a ledger entry. Only non-nil
// fields are written; last_activity_at is stamped on every update.
type JobUpdate struct {
	Status          *string
	StatusDetail    *string
	CurrentPage     *int
	PagesProcessed  *int
	TotalPagesFound *int
	ResumeFromPage  *int
	RecordsFound    *int
	RecordsInserted *int
	RecordsUpdated  *int
	RecordsSkipped  *int
	RecordsErrored  *int
	ErrorTypes      map[string]int
	CanResume       *bool
	ErrorMessage    *string
	ErrorDetail     *string
	DurationSeconds *int
	CompletedAt     *time.Time
}

// JobFilter narrows ListSyncJobs results.
type JobFilter struct {
	Status    string
	SyncType  string
	CanResume *bool
	Limit     int
}
