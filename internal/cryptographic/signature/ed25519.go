package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	Size           = ed25519.SignatureSize
)

func NewEd25519Keypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func ED25519Sign(privKeyBytes []byte, message []byte) ([]byte, error) {
	if len(privKeyBytes) != PrivateKeySize {
		return nil, fmt.Errorf("signing key is %d bytes, want %d", len(privKeyBytes), PrivateKeySize)
	}
	return ed25519.Sign(ed25519.PrivateKey(privKeyBytes), message), nil
}

func ED25519Verify(pubKeyBytes []byte, message []byte, sig []byte) bool {
	if len(pubKeyBytes) != PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKeyBytes), message, sig)
}
