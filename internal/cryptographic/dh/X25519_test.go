package dh

import (
	"bytes"
	"testing"
)

func TestSharedSecretAgreement(t *testing.T) {
	t.Parallel()

	aPriv, aPub, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}
	bPriv, bPub, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}

	ab, err := SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatalf("SharedSecret a->b: %v", err)
	}
	ba, err := SharedSecret(bPriv, aPub)
	if err != nil {
		t.Fatalf("SharedSecret b->a: %v", err)
	}

	if !bytes.Equal(ab, ba) {
		t.Fatalf("shared secrets differ: %x vs %x", ab, ba)
	}
	if len(ab) != KeySize {
		t.Fatalf("shared secret is %d bytes, want %d", len(ab), KeySize)
	}
}

func TestPublicFromPrivate(t *testing.T) {
	t.Parallel()

	priv, pub, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}

	derived, err := PublicFromPrivate(priv)
	if err != nil {
		t.Fatalf("PublicFromPrivate: %v", err)
	}
	if derived != pub {
		t.Fatalf("derived public key does not match generated one")
	}
}

func TestKeyFromBytesLength(t *testing.T) {
	t.Parallel()

	if _, err := KeyFromBytes(make([]byte, 31)); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := KeyFromBytes(make([]byte, KeySize)); err != nil {
		t.Fatalf("unexpected error for %d-byte key: %v", KeySize, err)
	}
}

func TestZero(t *testing.T) {
	t.Parallel()

	priv, _, err := NewKeyPair()
	if err != nil {
		t.Fatalf("NewKeyPair: %v", err)
	}
	Zero(&priv)
	if priv != [KeySize]byte{} {
		t.Fatalf("key not wiped")
	}
}
