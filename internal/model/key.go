package model

import (
	"fmt"
	"time"
)

type (
	// Identity is one device's long-term key material: an X25519 pair for
	// envelope key agreement and an Ed25519 pair for message signatures.
	// Private halves never leave the device except inside a password
	// backup blob.
	Identity struct {
		EncPrivate  []byte    `json:"enc_private"`
		EncPublic   []byte    `json:"enc_public"`
		SignPrivate []byte    `json:"sign_private"`
		SignPublic  []byte    `json:"sign_public"`
		CreatedAt   time.Time `json:"created_at"`
	}

	// PublicIdentity is the shareable half, in the shape the directory
	// service publishes.
	PublicIdentity struct {
		EncPublic  []byte `json:"enc_public"`
		SignPublic []byte `json:"sign_public"`
	}
)

// Public strips an identity down to its publishable half.
func (id *Identity) Public() PublicIdentity {
	return PublicIdentity{
		EncPublic:  id.EncPublic,
		SignPublic: id.SignPublic,
	}
}

// EncKeyID names the encryption entry in the directory. Derived from the
// creation time so it is stable across restarts without extra state.
func (id *Identity) EncKeyID() string {
	return fmt.Sprintf("enc-%d", id.CreatedAt.Unix())
}

// SignKeyID names the signing entry; signatures on outbound messages carry
// it so recipients can match the right published key.
func (id *Identity) SignKeyID() string {
	return fmt.Sprintf("sig-%d", id.CreatedAt.Unix())
}

// DirectoryEntries is the publishable key set in directory form.
func (id *Identity) DirectoryEntries() []PublicKeyEntry {
	return []PublicKeyEntry{
		{KeyID: id.EncKeyID(), Algorithm: AlgECDHAES256GCM, KeyData: id.EncPublic, Status: KeyStatusActive},
		{KeyID: id.SignKeyID(), Algorithm: AlgEd25519, KeyData: id.SignPublic, Status: KeyStatusActive},
	}
}
