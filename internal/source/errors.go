package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/internal/schema"
)

// AuthenticationError indicates the API rejected our credentials (HTTP 401/403).
// It is fatal for the whole run and never retried.
type AuthenticationError struct {
	EntityType schema.EntityType
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed fetching %s: http %d: %s", e.EntityType, e.StatusCode, e.Message)
}

// RateLimitError indicates HTTP 429. RetryAfter is the server-suggested delay,
// zero when the server gave none.
type RateLimitError struct {
	EntityType schema.EntityType
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited fetching %s: retry after %s", e.EntityType, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited fetching %s", e.EntityType)
}

// TransientNetworkError covers 5xx responses and transport failures.
type TransientNetworkError struct {
	EntityType schema.EntityType
	StatusCode int // 0 for transport errors
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *TransientNetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient error fetching %s: http %d", e.EntityType, e.StatusCode)
	}
	return fmt.Sprintf("transient error fetching %s: %v", e.EntityType, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// ValidationError rejects one page (non-retryable 4xx, undecodable body) or
// one record (missing required field, malformed value).
type ValidationError struct {
	EntityType schema.EntityType
	ExternalID string
	StatusCode int
	Field      string
	Reason     string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch {
	case e.StatusCode > 0:
		return fmt.Sprintf("invalid %s page: http %d: %s", e.EntityType, e.StatusCode, e.Reason)
	case e.Field != "" && e.ExternalID != "":
		return fmt.Sprintf("invalid %s record %s: %s: %s", e.EntityType, e.ExternalID, e.Field, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("invalid %s record: %s: %s", e.EntityType, e.Field, e.Reason)
	default:
		return fmt.Sprintf("invalid %s record: %s", e.EntityType, e.Reason)
	}
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	var rateErr *RateLimitError
	var netErr *TransientNetworkError
	return errors.As(err, &rateErr) || errors.As(err, &netErr)
}

// IsValidation reports whether err rejects a single page or record.
func IsValidation(err error) bool {
	var valErr *ValidationError
	return errors.As(err, &valErr)
}

// RetryAfter extracts a server-suggested delay from err, or zero.
func RetryAfter(err error) time.Duration {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.RetryAfter
	}
	var netErr *TransientNetworkError
	if errors.As(err, &netErr) {
		return netErr.RetryAfter
	}
	return 0
}
