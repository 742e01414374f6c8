package models

import "errors"

// ErrorClass tells whether a failure is eligible for automatic retry.
type ErrorClass string

const (
	// ErrorTransient covers timeouts and throttling.
	ErrorTransient ErrorClass = "transient"
	// ErrorPermanent covers malformed input and validation failures; operators must triage.
	ErrorPermanent ErrorClass = "permanent"
)

// Valid reports whether c is a known classification.
func (c ErrorClass) Valid() bool {
	return c == ErrorTransient || c == ErrorPermanent
}

var (
	// ErrRateLimited is returned by collaborators when the remote side throttles requests.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransient marks a failure that may succeed when retried.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks a failure that will not succeed when retried.
	ErrPermanent = errors.New("permanent failure")

	// ErrUnsupportedFormat indicates the extractor cannot read a source file.
	ErrUnsupportedFormat = errors.New("unsupported format")
)
