package models

import "time"

// Lock lifecycle statuses.
const (
	LockStatusRunning   = "running"
	LockStatusCompleted = "completed"
	LockStatusFailed    = "failed"
	LockStatusCancelled = "cancelled"
)

// SyncLock represents the single system-wide mutual-exclusion token for
// sync jobs. At most one lock with status "running" exists at any time.
type SyncLock struct {
	ID          string    `json:"id"`
	HolderID    string    `json:"holder_id"`
	HolderEmail string    `json:"holder_email"`
	JobType     string    `json:"job_type"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
}

// Holder identifies who requested a sync job.
type Holder struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}
