package samsara

import "fmt"

// AuthError means the API rejected (or never received) our credential.
// Nothing can succeed until the token is fixed, so callers abort the batch.
type AuthError struct {
	StatusCode int
	Reason     string
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Reason)
	}
	return "authentication failed: " + e.Reason
}

// ProtocolError means a response did not follow the pagination contract.
type ProtocolError struct {
	Page   int
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("pagination protocol violation on page %d: %s", e.Page, e.Reason)
	}
	return "pagination protocol violation: " + e.Reason
}

// StatusError is a non-2xx response other than an auth failure.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stats API returned non-2xx status code: %d; %s", e.StatusCode, e.Body)
}
