package validation

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealVersion byte = 1
	sealInfo         = "offline-sync payload v1"
)

var (
	// ErrNoKey is returned by NewSealer for an empty secret.
	ErrNoKey = errors.New("encryption key is empty")

	// ErrSealed is returned by Open for ciphertexts it cannot authenticate.
	ErrSealed = errors.New("sealed payload cannot be opened")
)

// Sealer encrypts payloads with XChaCha20-Poly1305 under a key derived from
// a shared secret with HKDF-SHA256. Output layout: version byte, 24-byte
// nonce, ciphertext with tag.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the payload key from secret.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrNoKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Encrypt implements Encryptor.
func (s *Sealer) Encrypt(_ context.Context, plaintext, aad []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+s.aead.Overhead())
	out[0] = sealVersion
	if _, err := rand.Read(out[1 : 1+ns]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return s.aead.Seal(out, out[1:1+ns], plaintext, aad), nil
}

// Open implements Opener.
func (s *Sealer) Open(_ context.Context, sealed, aad []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < 1+ns+s.aead.Overhead() || sealed[0] != sealVersion {
		return nil, ErrSealed
	}
	pt, err := s.aead.Open(nil, sealed[1:1+ns], sealed[1+ns:], aad)
	if err != nil {
		return nil, ErrSealed
	}
	return pt, nil
}
