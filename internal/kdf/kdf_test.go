package kdf

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestDeriveKeysDeterministic(t *testing.T) {
	psk := bytes.Repeat([]byte{0x01}, 32)
	salt := bytes.Repeat([]byte{0x02}, SaltSize)

	a1, b1, err := DeriveKeys(psk, salt)
	if err != nil {
		t.Fatal(err)
	}
	a2, b2, err := DeriveKeys(psk, salt)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a1, a2) || !bytes.Equal(b1, b2) {
		t.Fatal("derive_keys is not deterministic for fixed (psk, salt)")
	}
	if bytes.Equal(a1, b1) {
		t.Fatal("the two derived keys must be disjoint")
	}
	if len(a1) != 32 || len(b1) != 32 {
		t.Fatalf("expected 32-byte halves, got %d and %d", len(a1), len(b1))
	}
}

func TestDeriveKeysChangesWithSalt(t *testing.T) {
	psk := bytes.Repeat([]byte{0x01}, 32)
	salt1 := bytes.Repeat([]byte{0x02}, SaltSize)
	salt2 := bytes.Repeat([]byte{0x03}, SaltSize)

	a1, _, err := DeriveKeys(psk, salt1)
	if err != nil {
		t.Fatal(err)
	}
	a2, _, err := DeriveKeys(psk, salt2)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a1, a2) {
		t.Fatal("different salts must produce different keys")
	}
}

func TestDeriveKeysRejectsBadSaltSize(t *testing.T) {
	psk := make([]byte, 32)
	if _, err := rand.Read(psk); err != nil {
		t.Fatal(err)
	}
	if _, _, err := DeriveKeys(psk, make([]byte, 10)); err == nil {
		t.Fatal("expected error for short salt")
	}
}
