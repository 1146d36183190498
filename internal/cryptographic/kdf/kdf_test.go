package kdf

import (
	"bytes"
	"testing"
)

func TestHKDFDeterministic(t *testing.T) {
	t.Parallel()

	secret := []byte("shared secret")
	salt := []byte("salt value here.")
	info := []byte("context/v1")

	a, err := HKDF(secret, salt, info, 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	b, err := HKDF(secret, salt, info, 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("same inputs produced different keys")
	}
	if len(a) != 32 {
		t.Fatalf("derived %d bytes, want 32", len(a))
	}
}

func TestHKDFSeparation(t *testing.T) {
	t.Parallel()

	secret := []byte("shared secret")
	salt := []byte("salt value here.")

	base, err := HKDF(secret, salt, []byte("context/v1"), 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}

	otherInfo, err := HKDF(secret, salt, []byte("context/v2"), 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	if bytes.Equal(base, otherInfo) {
		t.Fatalf("different info produced the same key")
	}

	otherSalt, err := HKDF(secret, []byte("another salt...."), []byte("context/v1"), 32)
	if err != nil {
		t.Fatalf("HKDF: %v", err)
	}
	if bytes.Equal(base, otherSalt) {
		t.Fatalf("different salt produced the same key")
	}
}

func TestPBKDF2Deterministic(t *testing.T) {
	t.Parallel()

	a := PBKDF2([]byte("hunter2"), []byte("0123456789abcdef"), MinBackupIterations)
	b := PBKDF2([]byte("hunter2"), []byte("0123456789abcdef"), MinBackupIterations)
	if !bytes.Equal(a, b) {
		t.Fatalf("same inputs produced different keys")
	}
	if len(a) != 32 {
		t.Fatalf("derived %d bytes, want 32", len(a))
	}

	c := PBKDF2([]byte("hunter3"), []byte("0123456789abcdef"), MinBackupIterations)
	if bytes.Equal(a, c) {
		t.Fatalf("different passwords produced the same key")
	}
}

func TestNewSalt(t *testing.T) {
	t.Parallel()

	a, err := NewSalt(EnvelopeSaltSize)
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	b, err := NewSalt(EnvelopeSaltSize)
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	if len(a) != EnvelopeSaltSize {
		t.Fatalf("salt is %d bytes, want %d", len(a), EnvelopeSaltSize)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two salts are identical")
	}
}
