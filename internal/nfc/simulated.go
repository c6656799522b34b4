package nfc

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/offene-werkstatt/maco-core/internal/ev2"
	"github.com/offene-werkstatt/maco-core/internal/keydiv"
)

// SimulatedTransport is a software tag for development and tests.
//
// It derives its own slot keys from the master secret exactly as a
// provisioned tag would carry them, so terminal authentication and the
// full three-pass exchange behave like real hardware. PresentTag and
// RemoveTag stand in for the physical tap.
type SimulatedTransport struct {
	mu       sync.Mutex
	uid      TagUID
	keys     map[keydiv.KeyRole][]byte
	present  bool
	detected bool
	selected bool
	tag      *ev2.SimTag

	// FailPresenceChecks forces CheckTagStillPresent to error, for
	// exercising the reader's fault recovery.
	FailPresenceChecks bool
}

// NewSimulatedTransport creates a simulated tag with the given UID,
// provisioned from the master secret.
func NewSimulatedTransport(uid TagUID, masterKey []byte, systemName string) (*SimulatedTransport, error) {
	keys, err := keydiv.DiversifyAll(masterKey, systemName, uid[:])
	if err != nil {
		return nil, fmt.Errorf("provisioning simulated tag: %w", err)
	}
	return &SimulatedTransport{
		uid:  uid,
		keys: keys,
	}, nil
}

// PresentTag places the tag in the field.
func (s *SimulatedTransport) PresentTag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = true
	s.detected = false
	s.selected = false
}

// RemoveTag takes the tag out of the field.
func (s *SimulatedTransport) RemoveTag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = false
	s.tag = nil
}

// WaitForTag reports a newly present tag exactly once.
func (s *SimulatedTransport) WaitForTag() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present || s.detected {
		return false, nil
	}
	s.detected = true
	return true, nil
}

// CheckTagStillPresent reports field presence.
func (s *SimulatedTransport) CheckTagStillPresent() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPresenceChecks {
		return false, errors.New("simulated transport fault")
	}
	return s.present, nil
}

// ReleaseTag deselects the tag; it remains in the field.
func (s *SimulatedTransport) ReleaseTag() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detected = false
	s.selected = false
	return nil
}

// ResetController clears all transport state.
func (s *SimulatedTransport) ResetController() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detected = false
	s.selected = false
	s.tag = nil
	return nil
}

// SelectApplication selects the secure application.
func (s *SimulatedTransport) SelectApplication() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return errors.New("no tag in field")
	}
	s.selected = true
	return nil
}

// AuthenticateTerminal checks the terminal key against the tag's
// diversified terminal slot.
func (s *SimulatedTransport) AuthenticateTerminal(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present || !s.selected {
		return errors.New("no selected tag")
	}
	if !bytes.Equal(key, s.keys[keydiv.RoleTerminal]) {
		return errors.New("terminal authentication failed")
	}
	return nil
}

// ReadCardUID returns the tag UID.
func (s *SimulatedTransport) ReadCardUID() (TagUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return TagUID{}, errors.New("no tag in field")
	}
	return s.uid, nil
}

// BeginCloudAuthentication starts the three-pass exchange on the
// authorization slot.
func (s *SimulatedTransport) BeginCloudAuthentication(keyNo uint8) ([]byte, Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present || !s.selected {
		return nil, StatusCommandFailed, errors.New("no selected tag")
	}

	tag, err := ev2.NewSimTag(s.keys[keydiv.RoleAuthorization])
	if err != nil {
		return nil, StatusCommandFailed, err
	}
	encryptedRndB, err := tag.Begin()
	if err != nil {
		return nil, StatusCommandFailed, err
	}
	s.tag = tag
	return encryptedRndB, StatusOK, nil
}

// CompleteCloudAuthentication runs the tag's second phase.
func (s *SimulatedTransport) CompleteCloudAuthentication(cloudChallenge []byte) ([]byte, Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tag == nil {
		return nil, StatusCommandFailed, errors.New("cloud authentication not started")
	}

	response, err := s.tag.Respond(cloudChallenge)
	s.tag = nil
	if err != nil {
		if errors.Is(err, ev2.ErrAuthFailed) {
			return nil, StatusAuthenticationFailed, err
		}
		return nil, StatusCommandFailed, err
	}
	return response, StatusOK, nil
}
