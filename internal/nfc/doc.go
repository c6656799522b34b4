// Package nfc implements tag detection and the reader state machine.
//
// The reader runs on a dedicated goroutine that owns the TagTransport
// exclusively. It detects tags, attempts terminal authentication with the
// configured terminal key, and dispatches queued actions against the
// authenticated tag, one step per tick in strict submission order.
//
// # States
//
//	WaitForTag -> {Authenticated | Unauthenticated} -> WaitForTag
//	Authenticated -> TagError (hardware fault) -> WaitForTag
//
// A TagError releases and reselects the tag up to three times; after that
// the reader parks until the tag is physically removed, then resets the
// controller.
//
// # Events
//
// State changes are delivered to the application goroutine over a channel
// (found/authenticated, unauthenticated, removed). Tag removal aborts all
// queued actions with fault.ErrNoNfcTag.
//
// SimulatedTransport provides a software tag, provisioned from the master
// secret, for development and tests.
package nfc
