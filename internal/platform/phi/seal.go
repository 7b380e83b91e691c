// Package phi seals payloads that carry patient data before they are stored.
package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Sealer protects data at rest.
type Sealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

const sealedVersion byte = 1

var ErrNotSealed = errors.New("phi: payload is not sealed")

// AESSealer is AES-256-GCM with a random nonce. Sealed payloads are
// version byte, nonce, ciphertext.
type AESSealer struct {
	aead cipher.AEAD
}

func NewAESSealer(key []byte) (*AESSealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi sealer: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi sealer: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi sealer: create GCM: %w", err)
	}
	return &AESSealer{aead: aead}, nil
}

func (s *AESSealer) Seal(plain []byte) ([]byte, error) {
	out := make([]byte, 1+s.aead.NonceSize(), 1+s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	out[0] = sealedVersion
	nonce := out[1:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi seal: generate nonce: %w", err)
	}
	return s.aead.Seal(out, nonce, plain, nil), nil
}

func (s *AESSealer) Open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < 1+n || sealed[0] != sealedVersion {
		return nil, ErrNotSealed
	}
	plain, err := s.aead.Open(nil, sealed[1:1+n], sealed[1+n:], nil)
	if err != nil {
		return nil, fmt.Errorf("phi open: %w", err)
	}
	return plain, nil
}

type plainSealer struct{}

// Plain stores payloads as they are. Used when no key is configured.
func Plain() Sealer { return plainSealer{} }

func (plainSealer) Seal(plain []byte) ([]byte, error)  { return plain, nil }
func (plainSealer) Open(sealed []byte) ([]byte, error) { return sealed, nil }

// ParseKey accepts a 32-byte key as 64 hex characters or standard base64.
func ParseKey(s string) ([]byte, error) {
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("phi key: expected 64 hex chars or base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("phi key: must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// NewSealer returns an AES sealer for a configured key, or Plain when the
// key is empty.
func NewSealer(key string) (Sealer, error) {
	if key == "" {
		return Plain(), nil
	}
	raw, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	return NewAESSealer(raw)
}
