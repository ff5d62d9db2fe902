package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// EnvelopeMarker prefixes encrypted chat bodies on the wire. The relay
// stores bodies as opaque bytes either way; only receiving clients
// look for the marker.
const EnvelopeMarker = "enc::1:"

// NonceSize is the AES-GCM nonce length.
const NonceSize = 12

// Encrypt derives the pairwise key with peer, seals plaintext under a
// fresh random nonce, and returns the transport form:
// marker + base64(nonce || ciphertext || tag).
func (m *Manager) Encrypt(plaintext []byte, peer PublicKey) (string, error) {
	key, err := m.DeriveSharedSecret(peer)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return EnvelopeMarker + base64.StdEncoding.EncodeToString(sealed), nil
}

// IsEncrypted reports whether a message body carries the E2EE marker.
func IsEncrypted(body string) bool {
	return strings.HasPrefix(body, EnvelopeMarker)
}

// Decrypt reverses Encrypt. Every failure path — bad encoding, short
// envelope, wrong peer key, corrupted bytes, tag mismatch — collapses
// to ErrDecryptFailed so the messaging layer can show a placeholder
// instead of crashing. Only key-store unavailability surfaces as its
// own error.
func (m *Manager) Decrypt(envelope string, peer PublicKey) ([]byte, error) {
	key, err := m.DeriveSharedSecret(peer)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, EnvelopeMarker))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(raw) <= NonceSize {
		return nil, ErrDecryptFailed
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	nonce, ciphertext := raw[:NonceSize], raw[NonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}
