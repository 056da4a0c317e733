package esc

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealVersion byte = 1

var (
	ErrEmptySecret = errors.New("esc: sealing secret is empty")
	ErrUnsealable  = errors.New("esc: value cannot be opened")
)

// Sealer encrypts values at rest. Each value is bound to the key it is
// stored under, so a blob copied to another key does not open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret
func NewSealer(secret []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte("checkout|esc|v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns version || nonce || ciphertext
func (s *Sealer) Seal(key string, plaintext []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+s.aead.Overhead())
	out[0] = sealVersion
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return s.aead.Seal(out, nonce, plaintext, []byte(key)), nil
}

// Open reverses Seal
func (s *Sealer) Open(key string, blob []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(blob) < 1+ns+s.aead.Overhead() || blob[0] != sealVersion {
		return nil, ErrUnsealable
	}
	nonce := blob[1 : 1+ns]
	pt, err := s.aead.Open(nil, nonce, blob[1+ns:], []byte(key))
	if err != nil {
		return nil, ErrUnsealable
	}
	return pt, nil
}
