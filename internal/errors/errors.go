package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrConflict     ErrorType = "CONFLICT"
	ErrNotFound     ErrorType = "NOT_FOUND"
	ErrRateLimit    ErrorType = "RATE_LIMIT"
	ErrInvalidInput ErrorType = "INVALID_INPUT"
	ErrUpstream     ErrorType = "UPSTREAM"
	ErrInternal     ErrorType = "INTERNAL"
)

// AppError represents an application error
type AppError struct {
	Type      ErrorType
	Message   string
	Cause     error
	Timestamp time.Time
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:      errType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	if _, ok := err.(*SyncInProgressError); ok {
		return true
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == ErrConflict
	}
	return false
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == ErrNotFound
	}
	return false
}

// IsRateLimit checks if the error is a rate limit error
func IsRateLimit(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == ErrRateLimit
	}
	return false
}

// IsInvalidInput checks if the error is an invalid input error
func IsInvalidInput(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == ErrInvalidInput
	}
	return false
}

// IsUpstream checks if the error originated from the upstream ERP API
func IsUpstream(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == ErrUpstream
	}
	return false
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, err error) *AppError {
	return New(ErrConflict, message, err)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, err error) *AppError {
	return New(ErrNotFound, message, err)
}

// NewValidationError creates a new validation error
func NewValidationError(message string, err error) *AppError {
	return New(ErrInvalidInput, message, err)
}

// NewUpstreamError creates a new upstream error
func NewUpstreamError(message string, err error) *AppError {
	return New(ErrUpstream, message, err)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return New(ErrInternal, message, err)
}

// SyncInProgressError is returned when a sync job is denied because the
// global lock is already held. It names the current holder so the caller
// can surface a meaningful conflict message.
type SyncInProgressError struct {
	HolderEmail string
	JobType     string
	StartedAt   time.Time
}

func (e *SyncInProgressError) Error() string {
	return fmt.Sprintf("sync already in progress by %s (%s) since %s",
		e.HolderEmail, e.JobType, e.StartedAt.Format(time.RFC3339))
}

// NewSyncInProgressError creates a new SyncInProgressError
func NewSyncInProgressError(holderEmail, jobType string, startedAt time.Time) error {
	return &SyncInProgressError{
		HolderEmail: holderEmail,
		JobType:     jobType,
		StartedAt:   startedAt,
	}
}

// JobNotResumableError is returned when a resume is requested against a
// ledger entry that cannot be resumed.
type JobNotResumableError struct {
	JobID  string
	Status string
}

func (e *JobNotResumableError) Error() string {
	return fmt.Sprintf("sync job %s cannot be resumed (status: %s)", e.JobID, e.Status)
}

// NewJobNotResumableError creates a new JobNotResumableError
func NewJobNotResumableError(jobID, status string) error {
	return &JobNotResumableError{JobID: jobID, Status: status}
}
