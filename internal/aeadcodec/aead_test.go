package aeadcodec

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func mustKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestRoundTrip(t *testing.T) {
	c, err := New(mustKey(t))
	if err != nil {
		t.Fatal(err)
	}

	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("hello"),
		bytes.Repeat([]byte{0x42}, 64*1024),
	}

	for _, p := range cases {
		ct, err := c.Encrypt(p, nil)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		pt, err := c.Decrypt(ct, nil)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(pt, p) && !(len(pt) == 0 && len(p) == 0) {
			t.Fatalf("round trip mismatch: got %v want %v", pt, p)
		}
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	c, err := New(mustKey(t))
	if err != nil {
		t.Fatal(err)
	}
	ct, err := c.Encrypt([]byte("sensitive"), nil)
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, err := c.Decrypt(tampered, nil); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestDecryptTamperedNonceFails(t *testing.T) {
	c, err := New(mustKey(t))
	if err != nil {
		t.Fatal(err)
	}
	ct, err := c.Encrypt([]byte("sensitive"), nil)
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xFF
	if _, err := c.Decrypt(tampered, nil); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestDecryptShortInputFails(t *testing.T) {
	c, err := New(mustKey(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decrypt([]byte{1, 2, 3}, nil); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestNewRejectsBadKeySize(t *testing.T) {
	if _, err := New(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short key")
	}
}
