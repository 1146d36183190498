package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cryptographic/dh"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cryptographic/signature"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

// ErrNoIdentity is returned by operations that need an identity before one
// has been loaded or generated.
var ErrNoIdentity = errors.New("keystore: no active identity")

// Store owns the device identity: lazy generation, file persistence and
// password backups. Safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	path          string
	identity      *model.Identity
	justGenerated bool
}

// New returns a store persisting to path. The file is created on first
// GetOrCreateIdentity, not here.
func New(path string) *Store {
	return &Store{path: path}
}

// GetOrCreateIdentity returns the active identity, loading it from disk or
// generating a fresh one if none exists. Idempotent; every call after the
// first returns the cached identity.
func (s *Store) GetOrCreateIdentity() (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		return s.identity, nil
	}

	id, err := s.load()
	switch {
	case err == nil:
		s.identity = id
		s.justGenerated = false
		log.Debug("identity loaded", zap.String("path", s.path))
		return id, nil
	case errors.Is(err, os.ErrNotExist):
		// fall through to generation
	default:
		return nil, err
	}

	id, err = generate()
	if err != nil {
		return nil, err
	}
	if err := s.persist(id); err != nil {
		return nil, err
	}
	s.identity = id
	s.justGenerated = true
	log.Info("generated new identity", zap.String("path", s.path))
	return id, nil
}

// JustGenerated reports whether the active identity was created in this
// session rather than loaded. Callers publish the public half to the
// directory only in that case, so a stale key from this device never
// overwrites a newer key registered from another one.
func (s *Store) JustGenerated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.justGenerated
}

// Clear drops the in-memory identity on logout. The persisted file is kept;
// the next login loads it again.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.identity != nil {
		wipe(s.identity.EncPrivate)
		wipe(s.identity.SignPrivate)
	}
	s.identity = nil
	s.justGenerated = false
}

func (s *Store) load() (*model.Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	var id model.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("identity file is corrupt: %w", err)
	}
	if err := validate(&id); err != nil {
		return nil, fmt.Errorf("identity file is corrupt: %w", err)
	}
	return &id, nil
}

func (s *Store) persist(id *model.Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

func generate() (*model.Identity, error) {
	encPriv, encPub, err := dh.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate agreement pair: %w", err)
	}
	signPub, signPriv, err := signature.NewEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("generate signing pair: %w", err)
	}
	return &model.Identity{
		EncPrivate:  encPriv[:],
		EncPublic:   encPub[:],
		SignPrivate: signPriv,
		SignPublic:  signPub,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func validate(id *model.Identity) error {
	if len(id.EncPrivate) != dh.KeySize || len(id.EncPublic) != dh.KeySize {
		return fmt.Errorf("agreement key has wrong length")
	}
	if len(id.SignPrivate) != signature.PrivateKeySize || len(id.SignPublic) != signature.PublicKeySize {
		return fmt.Errorf("signing key has wrong length")
	}
	return nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
