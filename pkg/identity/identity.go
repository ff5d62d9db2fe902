// Package identity owns the device's long-lived X25519 identity
// keypair and derives pairwise symmetric keys from it. The private
// half never leaves the key file; only the public half is ever
// transmitted or published to the relay's key directory.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the X25519 key length in bytes.
	KeySize = 32

	// SharedKeySize is the derived symmetric key length: 128 bits.
	SharedKeySize = 16

	// hkdfInfo binds derived keys to this protocol.
	hkdfInfo = "alcove pairwise message key v1"
)

var (
	ErrInvalidKey    = errors.New("invalid key")
	ErrKeyStore      = errors.New("key store unavailable")
	ErrDecryptFailed = errors.New("decryption failed")
)

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// String returns the hex form used on the wire and in the relay's
// key directory.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// ParsePublicKey decodes a hex-encoded public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != KeySize {
		return pk, ErrInvalidKey
	}
	copy(pk[:], raw)
	return pk, nil
}

// Manager holds the device identity. Safe for concurrent use: the lazy
// keypair load is serialized, so every caller sees the same keypair.
type Manager struct {
	keyPath string

	mu      sync.Mutex
	private [KeySize]byte
	public  PublicKey
	loaded  bool
}

// NewManager creates a manager backed by the given key file. The
// keypair is not generated until first use.
func NewManager(keyPath string) *Manager {
	return &Manager{keyPath: keyPath}
}

// GetOrCreateIdentity returns the device's public key, generating and
// persisting a new keypair on first call. Idempotent. Key-store
// failure here is fatal to the caller; there is no degraded mode
// without an identity.
func (m *Manager) GetOrCreateIdentity() (PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLoadedLocked(); err != nil {
		return PublicKey{}, err
	}
	return m.public, nil
}

func (m *Manager) ensureLoadedLocked() error {
	if m.loaded {
		return nil
	}

	raw, err := os.ReadFile(m.keyPath)
	switch {
	case err == nil:
		if len(raw) != KeySize {
			return fmt.Errorf("%w: key file %s is %d bytes", ErrKeyStore, m.keyPath, len(raw))
		}
		copy(m.private[:], raw)
	case os.IsNotExist(err):
		if _, err := rand.Read(m.private[:]); err != nil {
			return fmt.Errorf("%w: %v", ErrKeyStore, err)
		}
		if err := os.MkdirAll(filepath.Dir(m.keyPath), 0700); err != nil {
			return fmt.Errorf("%w: %v", ErrKeyStore, err)
		}
		if err := os.WriteFile(m.keyPath, m.private[:], 0600); err != nil {
			return fmt.Errorf("%w: %v", ErrKeyStore, err)
		}
	default:
		return fmt.Errorf("%w: %v", ErrKeyStore, err)
	}

	pub, err := curve25519.X25519(m.private[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	copy(m.public[:], pub)
	m.loaded = true
	return nil
}

// DeriveSharedSecret runs X25519 between the local private key and the
// peer's public key, then derives a fixed 128-bit symmetric key via
// HKDF-SHA256. Deterministic: the same two identities always derive
// the same key, from either side.
func (m *Manager) DeriveSharedSecret(peer PublicKey) ([SharedKeySize]byte, error) {
	var key [SharedKeySize]byte

	m.mu.Lock()
	if err := m.ensureLoadedLocked(); err != nil {
		m.mu.Unlock()
		return key, err
	}
	private := m.private
	m.mu.Unlock()

	shared, err := curve25519.X25519(private[:], peer[:])
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo))
	if _, err := kdf.Read(key[:]); err != nil {
		return key, fmt.Errorf("derive key: %w", err)
	}

	return key, nil
}
