// Package fault defines the error kinds shared across the terminal.
//
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so
// callers can branch on the kind with errors.Is while logs keep the
// full context chain.
package fault

import "errors"

// Sentinel errors for terminal operations. Session and machine state
// machines branch on these to decide between retry, rejection, and reset.
var (
	// ErrUnspecified marks a failure with no more specific kind.
	ErrUnspecified = errors.New("unspecified failure")

	// ErrTimeout marks an operation that did not complete in time.
	ErrTimeout = errors.New("operation timed out")

	// ErrWrongState marks an operation attempted in a state that does
	// not permit it.
	ErrWrongState = errors.New("operation not valid in current state")

	// ErrMalformedResponse marks a response that could not be decoded
	// or failed structural validation.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrServerError marks a request the authority answered with an
	// internal failure.
	ErrServerError = errors.New("authority reported server error")

	// ErrUnexpectedState marks a response whose content contradicts the
	// protocol state, such as a failed nonce check.
	ErrUnexpectedState = errors.New("response inconsistent with protocol state")

	// ErrCloudError marks a transport failure reaching the authority.
	ErrCloudError = errors.New("authority unreachable")

	// ErrNoNfcTag marks an operation aborted because the tag left the
	// field.
	ErrNoNfcTag = errors.New("nfc tag no longer present")
)
