package ev2

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
)

// SimTag is the tag side of the handshake.
//
// Real deployments have an NTAG 424 DNA on the other end of the reader.
// SimTag backs the simulated transport used in development and in tests,
// running the same three-pass exchange against a key it holds locally.
type SimTag struct {
	key  []byte
	rng  io.Reader
	rndB []byte
	ti   [4]byte

	// Keys holds the tag's derived session keys after a successful
	// Respond, for comparison against the authority's derivation.
	Keys SessionKeys
}

// NewSimTag creates a simulated tag holding the given authorization key.
func NewSimTag(key []byte) (*SimTag, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return &SimTag{
		key: append([]byte(nil), key...),
		rng: rand.Reader,
	}, nil
}

// Begin starts an authentication, returning E(key, RndB).
func (t *SimTag) Begin() ([]byte, error) {
	rndB := make([]byte, blockSize)
	if _, err := io.ReadFull(t.rng, rndB); err != nil {
		return nil, fmt.Errorf("drawing RndB: %w", err)
	}
	if _, err := io.ReadFull(t.rng, t.ti[:]); err != nil {
		return nil, fmt.Errorf("drawing transaction id: %w", err)
	}

	encrypted, err := cbcEncrypt(t.key, rndB)
	if err != nil {
		return nil, err
	}

	t.rndB = rndB
	return encrypted, nil
}

// Respond verifies the authority's challenge and produces the final
// response E(key, TI || RndA' || PDcap2 || PCDcap2).
//
// Returns ErrAuthFailed if the challenge's RndB' does not match, meaning
// the other side does not hold the tag's key.
func (t *SimTag) Respond(challenge []byte) ([]byte, error) {
	if t.rndB == nil {
		return nil, ErrNotStarted
	}
	if len(challenge) != ChallengeSize {
		return nil, fmt.Errorf("challenge must be %d bytes, got %d", ChallengeSize, len(challenge))
	}

	plaintext, err := cbcDecrypt(t.key, challenge)
	if err != nil {
		return nil, err
	}

	rndA := plaintext[:blockSize]
	rndBPrime := plaintext[blockSize:]
	if !bytes.Equal(rndBPrime, RotateLeft1(t.rndB)) {
		t.rndB = nil
		return nil, ErrAuthFailed
	}

	// Layout: TI (4) || RndA' (16) || PDcap2 (6) || PCDcap2 (6)
	response := make([]byte, 0, ResponseSize)
	response = append(response, t.ti[:]...)
	response = append(response, RotateLeft1(rndA)...)
	response = append(response, make([]byte, 12)...)

	encrypted, err := cbcEncrypt(t.key, response)
	if err != nil {
		return nil, err
	}

	enc, mac, err := deriveSessionKeys(t.key, rndA, t.rndB)
	if err != nil {
		return nil, err
	}
	copy(t.Keys.Enc[:], enc)
	copy(t.Keys.Mac[:], mac)
	t.Keys.TransactionID = t.ti

	t.rndB = nil
	return encrypted, nil
}
