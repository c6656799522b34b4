// Package ev2 implements the AuthenticateEV2First mutual authentication
// exchange for NTAG 424 DNA tags.
//
// The terminal never holds the per-tag authorization key. It forwards the
// tag's encrypted RndB to the authority, which runs the authority half of
// the handshake (Handshake) and returns the challenge. The tag's final
// response goes back to the authority for verification and session key
// derivation.
//
// All block operations use AES-128 with a zero IV, as the tag does during
// authentication. Session keys are derived per NXP AN12196: CMAC of the
// SV1/SV2 vectors under the authorization key.
package ev2

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/jacobsa/crypto/cmac"
)

// Block and payload sizes, in bytes.
const (
	// KeySize is the AES-128 key length.
	KeySize = 16

	// ChallengeSize is the length of the encrypted challenge sent to the
	// tag: E(K, RndA || RndB').
	ChallengeSize = 32

	// ResponseSize is the length of the tag's final encrypted response:
	// E(K, TI || RndA' || PDcap2 || PCDcap2).
	ResponseSize = 32

	blockSize = 16
)

// Sentinel errors for handshake failures.
var (
	// ErrNotStarted is returned when Complete is called before Challenge.
	ErrNotStarted = errors.New("handshake not started")

	// ErrAuthFailed is returned when the tag's RndA' does not match,
	// meaning the tag does not hold the expected key.
	ErrAuthFailed = errors.New("tag failed authentication")
)

// SessionKeys holds the outcome of a completed handshake.
type SessionKeys struct {
	// Enc is SesAuthENCKey, used for command data encryption.
	Enc [KeySize]byte

	// Mac is SesAuthMACKey, used for command MACs.
	Mac [KeySize]byte

	// TransactionID is the 4-byte transaction identifier chosen by the tag.
	TransactionID [4]byte

	// TagCapabilities is PDcap2, the tag's capability bytes.
	TagCapabilities [6]byte
}

// Handshake runs the authority side of a three-pass mutual authentication.
//
// A Handshake is single-use: Challenge consumes the tag's opening message
// and Complete consumes its final response. It is not safe for concurrent
// use.
type Handshake struct {
	key  []byte
	rng  io.Reader
	rndA []byte
	rndB []byte
}

// NewHandshake creates a handshake using the given authorization key.
//
// Parameters:
//   - key: 16-byte diversified authorization key for the tag
//
// Returns:
//   - *Handshake: Ready for Challenge
//   - error: If the key has the wrong size
func NewHandshake(key []byte) (*Handshake, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Handshake{
		key: append([]byte(nil), key...),
		rng: rand.Reader,
	}, nil
}

// Challenge processes the tag's encrypted RndB and produces the challenge
// to send back.
//
// It decrypts RndB, draws a fresh RndA, and returns
// E(key, RndA || RotateLeft1(RndB)).
//
// Parameters:
//   - encryptedRndB: 16-byte opening message from the tag
//
// Returns:
//   - []byte: 32-byte challenge for the tag
//   - error: If the input has the wrong size
func (h *Handshake) Challenge(encryptedRndB []byte) ([]byte, error) {
	if len(encryptedRndB) != blockSize {
		return nil, fmt.Errorf("encrypted RndB must be %d bytes, got %d", blockSize, len(encryptedRndB))
	}

	rndB, err := cbcDecrypt(h.key, encryptedRndB)
	if err != nil {
		return nil, err
	}

	rndA := make([]byte, blockSize)
	if _, err := io.ReadFull(h.rng, rndA); err != nil {
		return nil, fmt.Errorf("drawing RndA: %w", err)
	}

	plaintext := make([]byte, 0, ChallengeSize)
	plaintext = append(plaintext, rndA...)
	plaintext = append(plaintext, RotateLeft1(rndB)...)

	challenge, err := cbcEncrypt(h.key, plaintext)
	if err != nil {
		return nil, err
	}

	h.rndA = rndA
	h.rndB = rndB
	return challenge, nil
}

// Complete verifies the tag's final response and derives session keys.
//
// It decrypts the response with the authorization key, checks that RndA'
// is RndA rotated left one byte, and derives SesAuthENCKey and
// SesAuthMACKey. The handshake state is cleared regardless of outcome.
//
// Parameters:
//   - encryptedResponse: 32-byte final message from the tag
//
// Returns:
//   - *SessionKeys: Derived keys, transaction identifier, capabilities
//   - error: ErrAuthFailed if the nonce check fails, ErrNotStarted if
//     Challenge was never called
func (h *Handshake) Complete(encryptedResponse []byte) (*SessionKeys, error) {
	defer h.reset()

	if h.rndA == nil || h.rndB == nil {
		return nil, ErrNotStarted
	}
	if len(encryptedResponse) != ResponseSize {
		return nil, fmt.Errorf("response must be %d bytes, got %d", ResponseSize, len(encryptedResponse))
	}

	plaintext, err := cbcDecrypt(h.key, encryptedResponse)
	if err != nil {
		return nil, err
	}

	// Layout: TI (4) || RndA' (16) || PDcap2 (6) || PCDcap2 (6)
	rndAPrime := plaintext[4:20]
	if !bytes.Equal(rndAPrime, RotateLeft1(h.rndA)) {
		return nil, ErrAuthFailed
	}

	keys := &SessionKeys{}
	copy(keys.TransactionID[:], plaintext[0:4])
	copy(keys.TagCapabilities[:], plaintext[20:26])

	enc, mac, err := deriveSessionKeys(h.key, h.rndA, h.rndB)
	if err != nil {
		return nil, err
	}
	copy(keys.Enc[:], enc)
	copy(keys.Mac[:], mac)

	return keys, nil
}

// reset clears the per-handshake nonces.
func (h *Handshake) reset() {
	for i := range h.rndA {
		h.rndA[i] = 0
	}
	for i := range h.rndB {
		h.rndB[i] = 0
	}
	h.rndA = nil
	h.rndB = nil
}

// RotateLeft1 returns the input rotated left by one byte.
func RotateLeft1(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

// calculateSV builds one of the two session vectors.
//
// SV = p0 p1 || 00 01 00 80 || RndA[15:14] ||
//
//	(RndA[13:8] XOR RndB[15:10]) || RndB[9:0] || RndA[7:0]
func calculateSV(p0, p1 byte, rndA, rndB []byte) []byte {
	sv := make([]byte, 32)
	sv[0], sv[1] = p0, p1
	sv[2], sv[3], sv[4], sv[5] = 0x00, 0x01, 0x00, 0x80
	sv[6], sv[7] = rndA[0], rndA[1]
	for i := 0; i < 6; i++ {
		sv[8+i] = rndA[2+i] ^ rndB[i]
	}
	copy(sv[14:24], rndB[6:16])
	copy(sv[24:32], rndA[8:16])
	return sv
}

// deriveSessionKeys computes SesAuthENCKey and SesAuthMACKey.
func deriveSessionKeys(key, rndA, rndB []byte) (enc, mac []byte, err error) {
	sv1 := calculateSV(0xA5, 0x5A, rndA, rndB)
	sv2 := calculateSV(0x5A, 0xA5, rndA, rndB)

	enc, err = cmacOf(key, sv1)
	if err != nil {
		return nil, nil, err
	}
	mac, err = cmacOf(key, sv2)
	if err != nil {
		return nil, nil, err
	}
	return enc, mac, nil
}

// cmacOf computes AES-CMAC(key, data).
func cmacOf(key, data []byte) ([]byte, error) {
	h, err := cmac.New(key)
	if err != nil {
		return nil, fmt.Errorf("initialising cmac: %w", err)
	}
	h.Write(data) //nolint:errcheck // hash.Hash Write never fails
	return h.Sum(nil), nil
}

// cbcEncrypt encrypts data with AES-CBC and a zero IV.
// The tag uses a zero IV for every authentication block.
func cbcEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initialising aes: %w", err)
	}
	if len(plaintext)%blockSize != 0 {
		return nil, fmt.Errorf("plaintext length %d not a multiple of the block size", len(plaintext))
	}
	out := make([]byte, len(plaintext))
	iv := make([]byte, blockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// cbcDecrypt decrypts data with AES-CBC and a zero IV.
func cbcDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initialising aes: %w", err)
	}
	if len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a multiple of the block size", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	iv := make([]byte, blockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return out, nil
}
