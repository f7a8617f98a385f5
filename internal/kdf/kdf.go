// Package kdf derives the per-tunnel directional keys from the pre-shared
// key and the handshake salt.
package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// Info is the fixed HKDF info string binding the derivation to this
	// protocol version.
	Info = "secure-proxy-v1"

	// SaltSize is the expected length of client_pub || server_pub.
	SaltSize = 64

	// expansionLen is the total number of derived bytes (two 32-byte keys).
	expansionLen = 64

	// directionalKeySize is the length of each derived key.
	directionalKeySize = 32
)

// DeriveKeys expands psk with salt (client_pub || server_pub, exactly 64
// bytes) into two disjoint 32-byte keys: the first half and the second half
// of one HKDF-SHA256 expansion. Callers decide which half is send_key and
// which is recv_key (the client and server mirror each other).
func DeriveKeys(psk, salt []byte) (first, second []byte, err error) {
	if len(salt) != SaltSize {
		return nil, nil, fmt.Errorf("kdf: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	r := hkdf.New(sha256.New, psk, salt, []byte(Info))
	out := make([]byte, expansionLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("kdf: expand: %w", err)
	}
	first = out[:directionalKeySize]
	second = out[directionalKeySize:]
	return first, second, nil
}
