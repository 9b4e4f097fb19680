package brain

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote operations.
var (
	// ErrAuthFailure indicates the service rejected the credentials themselves.
	// It is fatal for the run.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrMalformedCredentials indicates the credential file could not be parsed.
	ErrMalformedCredentials = errors.New("malformed credentials")

	// ErrTransient indicates a retry budget was exhausted on a retryable failure.
	ErrTransient = errors.New("transient remote failure")

	// ErrRateLimited indicates the service answered 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrSessionContextLost indicates a response lacked the fields that only an
	// authenticated session receives.
	ErrSessionContextLost = errors.New("session context lost")

	// ErrMalformedResponse indicates a response was missing an expected field.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrSubmissionAbandoned indicates a job spec could not be submitted within
	// its attempt budget.
	ErrSubmissionAbandoned = errors.New("submission abandoned")
)

// APIError wraps a remote failure with request context.
type APIError struct {
	// Op is the logical operation (e.g., "Submit", "Poll").
	Op string

	// Method and URL identify the request.
	Method string
	URL    string

	// Status is the last HTTP status observed, zero for network errors.
	Status int

	// Err is the underlying error.
	Err error

	session *Session
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("brain %s: %s %s: status %d: %v", e.Op, e.Method, e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("brain %s: %s %s: %v", e.Op, e.Method, e.URL, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *APIError) Unwrap() error {
	return e.Err
}

// sessionOf returns the session a failed request was sent on, if known.
func sessionOf(err error) *Session {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.session
	}
	return nil
}

// IsAuthFailure returns true if the error is a fatal credential rejection.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrMalformedCredentials)
}

// IsTransient returns true if the error is an exhausted retryable failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsSessionContextLost returns true if the session must be refreshed and the
// job retried.
func IsSessionContextLost(err error) bool {
	return errors.Is(err, ErrSessionContextLost)
}

// IsMalformedResponse returns true if an expected response field was missing.
func IsMalformedResponse(err error) bool {
	return errors.Is(err, ErrMalformedResponse)
}

// IsSubmissionAbandoned returns true if a job spec exhausted its submit budget.
func IsSubmissionAbandoned(err error) bool {
	return errors.Is(err, ErrSubmissionAbandoned)
}
