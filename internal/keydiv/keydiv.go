// Package keydiv derives per-tag AES keys from the master secret.
//
// Every NTAG 424 DNA tag carries five key slots. Each slot key is derived
// from the master secret, the tag UID, the slot's key identifier, and the
// system name, using the AES-128 CMAC construction from NXP application
// note AN10922. A stolen tag therefore only ever exposes its own keys.
package keydiv

import (
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// Sizes of the inputs and outputs, in bytes.
const (
	// MasterKeySize is the length of the AES-128 master secret.
	MasterKeySize = 16

	// UIDSize is the length of an NTAG 424 DNA UID.
	UIDSize = 7

	// KeySize is the length of a derived key.
	KeySize = 16

	// maxInputSize bounds UID + key id + system name. AN10922 derives
	// over at most two AES blocks after the 0x01 prefix.
	maxInputSize = 31
)

// KeyRole identifies one of the five key slots on a tag.
type KeyRole string

// Key slots provisioned on every tag.
const (
	RoleApplication   KeyRole = "application"
	RoleTerminal      KeyRole = "terminal"
	RoleAuthorization KeyRole = "authorization"
	RoleReserved1     KeyRole = "reserved1"
	RoleReserved2     KeyRole = "reserved2"
)

// keyIDs maps each role to its three-byte diversification identifier.
var keyIDs = map[KeyRole][]byte{
	RoleApplication:   {0x00, 0x00, 0x01},
	RoleTerminal:      {0x00, 0x00, 0x02},
	RoleAuthorization: {0x00, 0x00, 0x03},
	RoleReserved1:     {0x00, 0x00, 0x04},
	RoleReserved2:     {0x00, 0x00, 0x05},
}

// Roles lists all key slots in provisioning order.
func Roles() []KeyRole {
	return []KeyRole{
		RoleApplication,
		RoleTerminal,
		RoleAuthorization,
		RoleReserved1,
		RoleReserved2,
	}
}

// Diversify computes the key for one slot of one tag.
//
// The derivation is CMAC(master, 0x01 || uid || keyID || systemName),
// which matches AN10922's AES-128 diversification.
//
// Parameters:
//   - masterKey: 16-byte AES-128 master secret
//   - systemName: Installation identifier, same across all tags
//   - uid: 7-byte tag UID
//   - role: Key slot to derive
//
// Returns:
//   - []byte: 16-byte diversified key
//   - error: If an input has the wrong size or the role is unknown
func Diversify(masterKey []byte, systemName string, uid []byte, role KeyRole) ([]byte, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	if len(uid) != UIDSize {
		return nil, fmt.Errorf("uid must be %d bytes, got %d", UIDSize, len(uid))
	}

	keyID, ok := keyIDs[role]
	if !ok {
		return nil, fmt.Errorf("unknown key role %q", role)
	}

	if len(uid)+len(keyID)+len(systemName) > maxInputSize {
		return nil, fmt.Errorf("system name too long: diversification input exceeds %d bytes", maxInputSize)
	}

	mac, err := cmac.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("initialising cmac: %w", err)
	}

	input := make([]byte, 0, 1+maxInputSize)
	input = append(input, 0x01)
	input = append(input, uid...)
	input = append(input, keyID...)
	input = append(input, []byte(systemName)...)

	mac.Write(input) //nolint:errcheck // hash.Hash Write never fails
	return mac.Sum(nil), nil
}

// DiversifyAll computes every slot key for a tag.
//
// Used by the authority when provisioning a tag and when answering a
// terminal's diversify-keys request.
//
// Returns:
//   - map[KeyRole][]byte: 16-byte key per slot
//   - error: If an input has the wrong size
func DiversifyAll(masterKey []byte, systemName string, uid []byte) (map[KeyRole][]byte, error) {
	keys := make(map[KeyRole][]byte, len(keyIDs))
	for _, role := range Roles() {
		key, err := Diversify(masterKey, systemName, uid, role)
		if err != nil {
			return nil, err
		}
		keys[role] = key
	}
	return keys, nil
}
