package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Salt lengths. Envelope derivation uses the longer salt, password backups
// the shorter one; both are fixed by the wire and blob formats.
const (
	EnvelopeSaltSize = 32
	BackupSaltSize   = 16
)

// Password-based derivation parameters for the key backup blob. Backups
// produced by other implementations are accepted down to the floor.
const (
	MinBackupIterations     = 100_000
	DefaultBackupIterations = 310_000
)

// HKDF derives size bytes from secret with HKDF-SHA256. The info string is
// the domain-separation context and must be fixed per protocol version.
func HKDF(secret, salt, info []byte, size int) ([]byte, error) {
	out := make([]byte, size)
	h := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("hkdf read: %w", err)
	}
	return out, nil
}

// PBKDF2 derives a 32-byte key from a password with PBKDF2-SHA256.
func PBKDF2(password, salt []byte, iterations int) []byte {
	return pbkdf2.Key(password, salt, iterations, 32, sha256.New)
}

// NewSalt returns a fresh random salt of the given length.
func NewSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("rand.Read salt: %w", err)
	}
	return salt, nil
}
