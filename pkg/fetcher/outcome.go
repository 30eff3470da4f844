package fetcher

import (
	"github.com/Sternrassler/catalog-harvester/pkg/model"
)

// OutcomeKind classifies the result of a fetch.
type OutcomeKind int

const (
	// OutcomeSuccess means a usable payload was received.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeEmpty means upstream answered but with no usable data.
	OutcomeEmpty

	// OutcomeRetryable classifies a single failed attempt that may be retried.
	// Fetch never returns it; retries are resolved internally.
	OutcomeRetryable

	// OutcomeFatal means no answer could be obtained.
	OutcomeFatal
)

// String returns the metric/log label of the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeEmpty:
		return "empty"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the single result of one Fetch call.
type Outcome struct {
	Kind OutcomeKind

	// Payload is set for OutcomeSuccess.
	Payload model.Payload

	// Attempts is the number of outbound requests made.
	Attempts int

	// StatusCode is the last HTTP status seen (0 on transport errors).
	StatusCode int

	// Err is set for OutcomeFatal and is always a *FetchError.
	Err error
}
