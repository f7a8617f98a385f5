// Package aeadcodec implements the wire-level AEAD envelope used by the
// tunnel session: AES-256-GCM with a fresh random 12-byte nonce prepended
// to the ciphertext. The shape mirrors the AEADCipher in a Shadowsocks-style
// stream cipher (nonce || ciphertext-with-tag), generalized to a
// one-shot message codec rather than a streaming cipher.
package aeadcodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the only accepted key length: AES-256.
	KeySize = 32
	// NonceSize is the GCM standard nonce length.
	NonceSize = 12
)

// ErrAuthFailure is returned by Decrypt on tag mismatch or truncated input.
var ErrAuthFailure = errors.New("aeadcodec: authentication failed")

// Codec seals and opens single messages under one 32-byte key.
type Codec struct {
	aead cipher.AEAD
}

// New builds a Codec from a 32-byte AES-256 key.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aeadcodec: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aeadcodec: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aeadcodec: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt returns nonce || ciphertext || tag for plaintext, using a fresh
// random nonce from crypto/rand. aad may be nil; it is authenticated but
// not encrypted.
func (c *Codec) Encrypt(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("aeadcodec: nonce: %w", err)
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	copy(out, nonce)
	out = c.aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Decrypt splits the first NonceSize bytes of in off as the nonce and opens
// the remainder. It fails with ErrAuthFailure on tag mismatch or if in is
// shorter than NonceSize.
func (c *Codec) Decrypt(in, aad []byte) ([]byte, error) {
	if len(in) < NonceSize {
		return nil, ErrAuthFailure
	}
	nonce, ciphertext := in[:NonceSize], in[NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
