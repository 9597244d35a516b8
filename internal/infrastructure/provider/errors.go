package provider

import "fmt"

// APIError is a non-2xx provider response with the raw provider error code.
// The classifier, not the client, decides the recovery action.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	// RetryAfter is the provider-supplied cooldown in seconds, when present
	// (rate-limit responses).
	RetryAfter int            `json:"retryAfter,omitempty"`
	Payload    map[string]any `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error (status %d, code %s): %s", e.StatusCode, e.Code, e.Message)
}

// IsRetryable reports false: non-2xx responses are surfaced to the classifier
// rather than retried blindly inside the client.
func (e *APIError) IsRetryable() bool { return false }

// transportError marks network-level failures (dial, timeout) as retryable
// for the client's internal backoff.
type transportError struct {
	err error
}

func (e *transportError) Error() string     { return e.err.Error() }
func (e *transportError) Unwrap() error     { return e.err }
func (e *transportError) IsRetryable() bool { return true }
