package fetcher

import (
	"errors"
	"fmt"
)

// Common errors returned by the fetcher.
var (
	// ErrRetryExhausted is returned when all attempts failed with retryable errors.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrFatalUpstream is returned for a non-retryable upstream status.
	ErrFatalUpstream = errors.New("fatal upstream response")

	// ErrContextCancelled is returned when the context is cancelled mid-fetch.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents non-retryable non-2xx statuses (4xx except 429).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 throttling responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport errors (timeouts, resets).
	ErrorClassNetwork ErrorClass = "network"
)

// FetchError is the terminal error of a failed fetch.
type FetchError struct {
	Endpoint   string
	StatusCode int
	ErrorClass ErrorClass
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s error (status %d) after %d attempt(s): %v",
			e.Endpoint, e.ErrorClass, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error after %d attempt(s): %v",
		e.Endpoint, e.ErrorClass, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// isCooldownClass reports whether the class pauses for the fixed throttle
// cooldown rather than exponential backoff.
func isCooldownClass(errorClass ErrorClass) bool {
	return errorClass == ErrorClassRateLimit || errorClass == ErrorClassServer
}
