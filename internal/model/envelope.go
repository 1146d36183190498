package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	// EnvelopeVersion1 is the only envelope format version in use.
	EnvelopeVersion1 = "1"

	// AlgECDHAES256GCM identifies the X25519 + HKDF-SHA256 + AES-256-GCM suite.
	AlgECDHAES256GCM = "ECDH-AES256-GCM"

	// KDFHKDFSHA256 is the key-derivation identifier carried on relay messages.
	KDFHKDFSHA256 = "HKDF-SHA256"

	// AlgEd25519 identifies envelope signatures.
	AlgEd25519 = "Ed25519"
)

type (
	// EncryptedEnvelope is the self-describing container for one message's
	// ciphertext. Every field is required for decryption; an envelope is
	// immutable once created.
	EncryptedEnvelope struct {
		Version      string `json:"v"`
		Algorithm    string `json:"alg"`
		EphemeralKey []byte `json:"epk"`  // sender's one-time X25519 public key
		Nonce        []byte `json:"iv"`   // AES-GCM nonce
		Salt         []byte `json:"salt"` // HKDF salt
		Ciphertext   []byte `json:"ct"`   // ciphertext with auth tag
	}

	// Signature is one entry of the optional signature list travelling next
	// to an envelope on the wire.
	Signature struct {
		KeyID     string `json:"key_id"`
		Algorithm string `json:"algorithm"`
		Signature []byte `json:"signature"`
	}
)

// Encode serializes the envelope to its wire/storage form:
// base64(JSON record). The JSON field names are part of the protocol.
func (e *EncryptedEnvelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeEnvelope parses the wire/storage form produced by Encode. It only
// checks structure, not that the (version, algorithm) pair is supported.
func DecodeEnvelope(blob string) (*EncryptedEnvelope, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("envelope is not base64: %w", err)
	}

	var e EncryptedEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope is not a JSON record: %w", err)
	}
	return &e, nil
}
