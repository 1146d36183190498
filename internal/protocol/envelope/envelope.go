package envelope

import (
	"errors"
	"fmt"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cryptographic/dh"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cryptographic/encryption"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cryptographic/kdf"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cryptographic/signature"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

// Context is the HKDF info string for version 1 envelopes. A future format
// revision gets a new version tag and a new context; this one never changes.
const Context = "secure-messaging/envelope/v1"

var (
	// ErrUnsupportedSuite means the (version, algorithm) pair on the
	// envelope is not in the registry. The envelope may be valid for a
	// newer client.
	ErrUnsupportedSuite = errors.New("envelope: unsupported version/algorithm")

	// ErrMalformedEnvelope means a required field is missing or key
	// material has the wrong length.
	ErrMalformedEnvelope = errors.New("envelope: malformed")

	// ErrVerificationFailed means the authentication tag did not check
	// out: the envelope was altered in transit or sealed for a different
	// identity key. Decryption never returns partial plaintext.
	ErrVerificationFailed = errors.New("envelope: verification failed")

	// ErrBadSignature means a signature entry was present but did not
	// verify against the sender's signing key. Independent of whether the
	// envelope itself decrypts.
	ErrBadSignature = errors.New("envelope: signature check failed")
)

type suiteID struct {
	version   string
	algorithm string
}

// A suite binds one envelope version/algorithm pair to its key agreement,
// derivation and cipher. Registry entries are never removed; old envelopes
// must stay readable.
type suite interface {
	seal(recipientPub [dh.KeySize]byte, plaintext []byte) (*model.EncryptedEnvelope, error)
	open(identityPriv [dh.KeySize]byte, env *model.EncryptedEnvelope) ([]byte, error)
}

var suites = map[suiteID]suite{
	{model.EnvelopeVersion1, model.AlgECDHAES256GCM}: suiteV1{},
}

// Supported reports whether this build can open envelopes of the given
// version/algorithm pair.
func Supported(version, algorithm string) bool {
	_, ok := suites[suiteID{version, algorithm}]
	return ok
}

// Engine seals and opens message envelopes. It is stateless; key material
// is passed per call so one engine can serve any number of identities.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// Seal encrypts plaintext for the holder of recipientPub using the current
// suite. Each call burns a fresh ephemeral key pair, so no two envelopes
// share a derived key even for the same recipient and plaintext.
func (e *Engine) Seal(recipientPub []byte, plaintext []byte) (*model.EncryptedEnvelope, error) {
	pub, err := dh.KeyFromBytes(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("recipient key: %w", err)
	}
	return suites[suiteID{model.EnvelopeVersion1, model.AlgECDHAES256GCM}].seal(pub, plaintext)
}

// Open decrypts an envelope with the recipient's long-term private key.
// Errors are distinguishable: ErrUnsupportedSuite for unknown pairs,
// ErrMalformedEnvelope for structural damage, ErrVerificationFailed for a
// tag mismatch. Callers that hit any of these should keep the envelope.
func (e *Engine) Open(identityPriv []byte, env *model.EncryptedEnvelope) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformedEnvelope
	}
	s, ok := suites[suiteID{env.Version, env.Algorithm}]
	if !ok {
		return nil, fmt.Errorf("%w: version %q algorithm %q", ErrUnsupportedSuite, env.Version, env.Algorithm)
	}
	priv, err := dh.KeyFromBytes(identityPriv)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	defer dh.Zero(&priv)
	return s.open(priv, env)
}

// SealSigned is Seal plus a detached Ed25519 signature over the ciphertext,
// returned as the wire signature list. keyID names the signing key in the
// sender's published bundle.
func (e *Engine) SealSigned(recipientPub, plaintext, signingPriv []byte, keyID string) (*model.EncryptedEnvelope, []model.Signature, error) {
	env, err := e.Seal(recipientPub, plaintext)
	if err != nil {
		return nil, nil, err
	}
	sig, err := signature.ED25519Sign(signingPriv, env.Ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("sign envelope: %w", err)
	}
	sigs := []model.Signature{{
		KeyID:     keyID,
		Algorithm: model.AlgEd25519,
		Signature: sig,
	}}
	return env, sigs, nil
}

// Verify checks a wire signature list against the sender's signing key. An
// empty list is fine; signatures are optional on the wire. Entries with an
// unknown algorithm are skipped. Returns ErrBadSignature if a checkable
// entry fails.
func (e *Engine) Verify(senderSigningPub []byte, env *model.EncryptedEnvelope, sigs []model.Signature) error {
	if env == nil {
		return ErrMalformedEnvelope
	}
	for _, s := range sigs {
		if s.Algorithm != model.AlgEd25519 {
			continue
		}
		if !signature.ED25519Verify(senderSigningPub, env.Ciphertext, s.Signature) {
			return fmt.Errorf("%w: key %s", ErrBadSignature, s.KeyID)
		}
	}
	return nil
}

// suiteV1: X25519 ephemeral agreement, HKDF-SHA256 with a random salt and
// the fixed context, AES-256-GCM.
type suiteV1 struct{}

func (suiteV1) seal(recipientPub [dh.KeySize]byte, plaintext []byte) (*model.EncryptedEnvelope, error) {
	ephPriv, ephPub, err := dh.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	defer dh.Zero(&ephPriv)

	shared, err := dh.SharedSecret(ephPriv, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	salt, err := kdf.NewSalt(kdf.EnvelopeSaltSize)
	if err != nil {
		return nil, err
	}
	key, err := kdf.HKDF(shared, salt, []byte(Context), encryption.KeySize)
	if err != nil {
		return nil, err
	}

	nonce, err := encryption.NewNonce()
	if err != nil {
		return nil, err
	}
	ct, err := encryption.Seal(key, nonce, plaintext, nil)
	if err != nil {
		return nil, err
	}

	return &model.EncryptedEnvelope{
		Version:      model.EnvelopeVersion1,
		Algorithm:    model.AlgECDHAES256GCM,
		EphemeralKey: ephPub[:],
		Nonce:        nonce,
		Salt:         salt,
		Ciphertext:   ct,
	}, nil
}

func (suiteV1) open(identityPriv [dh.KeySize]byte, env *model.EncryptedEnvelope) ([]byte, error) {
	ephPub, err := dh.KeyFromBytes(env.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key is %d bytes", ErrMalformedEnvelope, len(env.EphemeralKey))
	}
	if len(env.Nonce) != encryption.NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrMalformedEnvelope, len(env.Nonce))
	}
	if len(env.Salt) == 0 || len(env.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty salt or ciphertext", ErrMalformedEnvelope)
	}

	shared, err := dh.SharedSecret(identityPriv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	key, err := kdf.HKDF(shared, env.Salt, []byte(Context), encryption.KeySize)
	if err != nil {
		return nil, err
	}

	plain, err := encryption.Open(key, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return plain, nil
}
