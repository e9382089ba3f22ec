package erp

import (
	"errors"
	"fmt"
)

// ERPError wraps an upstream API failure with its HTTP status.
type ERPError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ERPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("erp api error (status %d): %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("erp api error (status %d): %s", e.StatusCode, e.Message)
}

func (e *ERPError) Unwrap() error {
	return e.Err
}

// RateLimitError is returned when the upstream keeps answering 429 after the
// retry budget is exhausted.
type RateLimitError struct {
	RetryAfter string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("erp api rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "erp api rate limit exceeded"
}

// IsRateLimit reports whether err is an upstream rate limit failure.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
