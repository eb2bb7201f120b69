package state

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealedValue is returned when a stored value cannot be decrypted,
// either because it was tampered with or the key changed.
var ErrSealedValue = errors.New("sealed value could not be opened")

// Sealer encrypts stored values with XChaCha20-Poly1305.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating sealer: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// NewSealerHex creates a Sealer from a hex-encoded 32-byte key. An empty
// string returns a nil Sealer, meaning values are stored in the clear.
func NewSealerHex(hexKey string) (*Sealer, error) {
	if hexKey == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding store key: %w", err)
	}

	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("store key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	return NewSealer(key)
}

// Seal returns nonce || ciphertext.
func (s *Sealer) Seal(plaintext, additional []byte) []byte {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return s.aead.Seal(nonce, nonce, plaintext, additional)
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, additional []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, ErrSealedValue
	}

	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, ErrSealedValue
	}

	return plaintext, nil
}
