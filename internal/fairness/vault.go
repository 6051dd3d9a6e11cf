package fairness

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSealedSeed = errors.New("sealed seed cannot be opened")

// Vault seals server seeds at rest so a copy of the round store does not
// reveal unplayed outcomes.
type Vault struct {
	aead cipher.AEAD
}

// NewVault builds a vault from a hex encoded 32-byte key.
func NewVault(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid vault key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// NewEphemeralVault uses a random key. Sealed seeds do not survive a restart.
func NewEphemeralVault() (*Vault, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return NewVault(hex.EncodeToString(key))
}

// Seal encrypts seed, binding it to the round id.
func (v *Vault) Seal(roundID, seed string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(seed)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := v.aead.Seal(nonce, nonce, []byte(seed), []byte(roundID))
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (v *Vault) Open(roundID, sealed string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedSeed, err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", ErrSealedSeed
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], []byte(roundID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSealedSeed, err)
	}
	return string(plain), nil
}
