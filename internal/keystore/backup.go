package keystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cryptographic/encryption"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cryptographic/kdf"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

// BackupAlg names the only backup wrapping scheme in use.
const BackupAlg = "PBKDF2-SHA256+AES256-GCM"

var (
	// ErrWrongPassword covers both a wrong password and a tampered blob.
	// The GCM tag cannot distinguish the two, and callers must not try.
	ErrWrongPassword = errors.New("keystore: wrong password or corrupted backup")

	// ErrBadBackup means the blob is not structurally a backup at all.
	ErrBadBackup = errors.New("keystore: malformed backup blob")
)

type backupBlob struct {
	Alg        string `json:"alg"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"iv"`
	Ciphertext []byte `json:"ct"`
}

// ExportBackup wraps the active identity under a password-derived key and
// returns an opaque blob suitable for server-side storage. The server never
// learns the password or the private keys.
func (s *Store) ExportBackup(password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity == nil {
		return "", ErrNoIdentity
	}
	payload, err := json.Marshal(s.identity)
	if err != nil {
		return "", fmt.Errorf("marshal identity: %w", err)
	}

	salt, err := kdf.NewSalt(kdf.BackupSaltSize)
	if err != nil {
		return "", err
	}
	key := kdf.PBKDF2([]byte(password), salt, kdf.DefaultBackupIterations)

	nonce, err := encryption.NewNonce()
	if err != nil {
		return "", err
	}
	ct, err := encryption.Seal(key, nonce, payload, nil)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(backupBlob{
		Alg:        BackupAlg,
		Iterations: kdf.DefaultBackupIterations,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ct,
	})
	if err != nil {
		return "", fmt.Errorf("marshal backup: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ImportBackup unwraps a backup blob and, on success, replaces the active
// identity and persists it. It fails closed: ErrWrongPassword on any tag
// verification failure, with no partial recovery attempted.
func (s *Store) ImportBackup(blob, password string) error {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("%w: not base64", ErrBadBackup)
	}
	var b backupBlob
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("%w: not a JSON record", ErrBadBackup)
	}
	if b.Alg != BackupAlg {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrBadBackup, b.Alg)
	}
	if b.Iterations < kdf.MinBackupIterations {
		return fmt.Errorf("%w: iteration count %d below floor", ErrBadBackup, b.Iterations)
	}

	key := kdf.PBKDF2([]byte(password), b.Salt, b.Iterations)
	payload, err := encryption.Open(key, b.Nonce, b.Ciphertext, nil)
	if err != nil {
		return ErrWrongPassword
	}

	var id model.Identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return fmt.Errorf("%w: payload is not an identity", ErrBadBackup)
	}
	if err := validate(&id); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBackup, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(&id); err != nil {
		return err
	}
	s.identity = &id
	s.justGenerated = false
	log.Info("identity restored from backup")
	return nil
}
