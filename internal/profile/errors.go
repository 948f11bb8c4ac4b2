package profile

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on.
var (
	// ErrNotFound means the API answered and has no profile for the id.
	ErrNotFound = errors.New("profile not found")
	// ErrUnavailable means no answer could be obtained: the breaker is open
	// or every attempt failed. The underlying cause stays in the chain.
	ErrUnavailable = errors.New("profile api unavailable")
)

// ErrorCategory classifies a failed attempt.
type ErrorCategory string

const (
	ErrorTimeout     ErrorCategory = "timeout"
	ErrorTransport   ErrorCategory = "transport"
	ErrorUpstream    ErrorCategory = "upstream_outage"
	ErrorRateLimited ErrorCategory = "rate_limited"
	ErrorBadData     ErrorCategory = "bad_data"
	ErrorBadRequest  ErrorCategory = "bad_request"
)

// APIError describes one failed call to the profile API.
type APIError struct {
	Category   ErrorCategory
	StatusCode int
	Message    string
	Underlying error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("profile api [%s] status %d: %s", e.Category, e.StatusCode, e.Message)
	}
	if e.Underlying != nil {
		return fmt.Sprintf("profile api [%s]: %s: %v", e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("profile api [%s]: %s", e.Category, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Underlying
}

// Retryable reports whether another attempt could succeed.
func (e *APIError) Retryable() bool {
	switch e.Category {
	case ErrorTimeout, ErrorTransport, ErrorUpstream, ErrorRateLimited:
		return true
	}
	return false
}

// IsRetryable checks if an error is worth retrying.
func IsRetryable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// CategoryOf extracts the category of an *APIError in err's chain.
func CategoryOf(err error) (ErrorCategory, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Category, true
	}
	return "", false
}
