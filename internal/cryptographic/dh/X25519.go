package dh

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of X25519 public keys, private keys and shared
// secrets.
const KeySize = 32

// NewKeyPair generates a new X25519 key pair. The private scalar is clamped
// on generation so the stored form is canonical.
func NewKeyPair() (priv, pub [KeySize]byte, err error) {
	_, err = rand.Read(priv[:])
	if err != nil {
		return priv, pub, fmt.Errorf("failed to generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

// SharedSecret performs X25519 scalar multiplication: priv * pub. It fails
// on low-order peer keys (all-zero shared secret).
func SharedSecret(priv, pub [KeySize]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// PublicFromPrivate derives the public half from a stored private key. Used
// when restoring an identity from a backup that only carries the private
// scalar.
func PublicFromPrivate(priv [KeySize]byte) ([KeySize]byte, error) {
	var pub [KeySize]byte

	key, err := ecdh.X25519().NewPrivateKey(priv[:])
	if err != nil {
		return pub, fmt.Errorf("invalid private key: %w", err)
	}
	copy(pub[:], key.PublicKey().Bytes())
	return pub, nil
}

// KeyFromBytes copies exported key material into the fixed-size key form.
func KeyFromBytes(b []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(b) != KeySize {
		return key, fmt.Errorf("key material is %d bytes, want %d", len(b), KeySize)
	}
	copy(key[:], b)
	return key, nil
}

// Zero wipes key material in place.
func Zero(key *[KeySize]byte) {
	for i := range key {
		key[i] = 0
	}
}
