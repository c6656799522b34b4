package nfc

import (
	"encoding/hex"
	"fmt"
)

// UIDSize is the length of an NTAG 424 DNA UID in bytes.
const UIDSize = 7

// TagUID is the 7-byte tag identifier, captured once per presentation.
type TagUID [UIDSize]byte

// ParseUID converts a hex string into a TagUID.
func ParseUID(s string) (TagUID, error) {
	var uid TagUID
	b, err := hex.DecodeString(s)
	if err != nil {
		return uid, fmt.Errorf("parsing tag uid: %w", err)
	}
	if len(b) != UIDSize {
		return uid, fmt.Errorf("tag uid must be %d bytes, got %d", UIDSize, len(b))
	}
	copy(uid[:], b)
	return uid, nil
}

// String returns the UID as lowercase hex.
func (u TagUID) String() string {
	return hex.EncodeToString(u[:])
}

// Status is a tag-level status code returned alongside protocol operations.
//
// StatusAuthenticationDelay is not an error: tags enforce an internal
// brute-force cooldown and the caller must retry until the tag accepts.
type Status int

// Tag status codes.
const (
	StatusOK Status = iota
	StatusAuthenticationDelay
	StatusAuthenticationFailed
	StatusCommandFailed
)

// String returns a short name for logging.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusAuthenticationDelay:
		return "authentication_delay"
	case StatusAuthenticationFailed:
		return "authentication_failed"
	case StatusCommandFailed:
		return "command_failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// TagTransport is the low-level radio driver, consumed as given.
//
// The reader goroutine owns the transport exclusively. All methods are
// short, non-blocking polls; WaitForTag reports whether a tag entered the
// field since the last call.
type TagTransport interface {
	// WaitForTag polls for a new tag in the field.
	WaitForTag() (bool, error)

	// CheckTagStillPresent reports whether the selected tag is still in
	// the field.
	CheckTagStillPresent() (bool, error)

	// ReleaseTag releases the currently selected tag.
	ReleaseTag() error

	// ResetController performs a full reset of the NFC controller.
	ResetController() error

	// SelectApplication selects the tag's secure application.
	SelectApplication() error

	// AuthenticateTerminal runs a single AES mutual authentication with
	// the given terminal key, hardware-verifying the UID.
	AuthenticateTerminal(key []byte) error

	// ReadCardUID returns the tag UID. Before AuthenticateTerminal
	// succeeds this is the radio-layer UID and must be treated as
	// untrusted.
	ReadCardUID() (TagUID, error)

	// BeginCloudAuthentication starts the authorization-key exchange on
	// the given key slot, returning the tag's 16-byte encrypted RndB.
	BeginCloudAuthentication(keyNo uint8) ([]byte, Status, error)

	// CompleteCloudAuthentication forwards the authority's 32-byte cloud
	// challenge to the tag and returns the tag's 32-byte encrypted
	// response.
	CompleteCloudAuthentication(cloudChallenge []byte) ([]byte, Status, error)
}

// Tag is the reader's handle to the currently authenticated tag, passed
// to actions. It exposes only the operations valid while authenticated.
type Tag struct {
	uid       TagUID
	transport TagTransport
}

// NewTag wraps a transport as an authenticated tag handle. The reader
// creates these itself; this constructor exists for action tests and
// tooling that drive a transport directly.
func NewTag(uid TagUID, transport TagTransport) *Tag {
	return &Tag{uid: uid, transport: transport}
}

// UID returns the hardware-verified tag UID.
func (t *Tag) UID() TagUID {
	return t.uid
}

// BeginCloudAuthentication starts the three-pass exchange on a key slot.
func (t *Tag) BeginCloudAuthentication(keyNo uint8) ([]byte, Status, error) {
	return t.transport.BeginCloudAuthentication(keyNo)
}

// CompleteCloudAuthentication completes the tag's second phase.
func (t *Tag) CompleteCloudAuthentication(cloudChallenge []byte) ([]byte, Status, error) {
	return t.transport.CompleteCloudAuthentication(cloudChallenge)
}

// StepResult is what an action reports after one tick of progress.
type StepResult int

// Action step outcomes.
const (
	// Continue keeps the action at the head of the queue for the next
	// tick. Pending network responses report Continue.
	Continue StepResult = iota

	// Done removes the action from the queue.
	Done
)

// Action is a unit of work executed against an authenticated tag, one
// step per reader tick, in strict submission order.
type Action interface {
	// Step performs at most one step of progress. A non-nil error marks
	// a transport or hardware fault: the reader aborts the whole queue
	// and enters error recovery.
	Step(tag *Tag) (StepResult, error)

	// OnAbort is called when the action is cancelled before completion,
	// with the cause (typically fault.ErrNoNfcTag).
	OnAbort(err error)
}

// EventKind identifies a reader event.
type EventKind int

// Reader events delivered to the application goroutine.
const (
	// EventTagAuthenticated: terminal authentication succeeded, the UID
	// is hardware-verified, and actions may be queued.
	EventTagAuthenticated EventKind = iota

	// EventTagUnauthenticated: a tag is present but failed terminal
	// authentication. The UID is the radio-layer claim, untrusted.
	EventTagUnauthenticated

	// EventTagRemoved: the tag left the field.
	EventTagRemoved
)

// Event is a reader state change, sent on the reader's event channel.
type Event struct {
	Kind EventKind
	UID  TagUID
}
