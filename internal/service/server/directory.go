package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

// ErrUnknownUser reports a directory miss: nobody with that id has
// published keys or stored a backup.
var ErrUnknownUser = errors.New("server: unknown user")

// DirectoryStore persists published public keys and the opaque encrypted
// identity backup per account. A user exists once they have published keys.
type DirectoryStore interface {
	// UpsertKeys replaces userID's published entries wholesale, creating
	// the account record on first publish.
	UpsertKeys(ctx context.Context, userID string, keys []model.PublicKeyEntry) error
	GetUser(ctx context.Context, userID string) (*model.DirectoryUser, error)
	// PutBackup stores the client-encrypted backup blob verbatim.
	PutBackup(ctx context.Context, userID, blob string) error
	// GetBackup returns ErrUnknownUser when no blob is stored.
	GetBackup(ctx context.Context, userID string) (model.KeyBackup, error)
}

// MemoryDirectory is the in-process DirectoryStore used when no mongo URI
// is configured.
type MemoryDirectory struct {
	mu      sync.RWMutex
	users   map[string][]model.PublicKeyEntry
	backups map[string]model.KeyBackup
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:   make(map[string][]model.PublicKeyEntry),
		backups: make(map[string]model.KeyBackup),
	}
}

func (m *MemoryDirectory) UpsertKeys(_ context.Context, userID string, keys []model.PublicKeyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = append([]model.PublicKeyEntry(nil), keys...)
	return nil
}

func (m *MemoryDirectory) GetUser(_ context.Context, userID string) (*model.DirectoryUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys, ok := m.users[userID]
	if !ok {
		return nil, ErrUnknownUser
	}
	return &model.DirectoryUser{
		ID:         userID,
		PublicKeys: activeEntries(keys),
		IsActive:   true,
	}, nil
}

func (m *MemoryDirectory) PutBackup(_ context.Context, userID, blob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups[userID] = model.KeyBackup{Backup: blob, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryDirectory) GetBackup(_ context.Context, userID string) (model.KeyBackup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.backups[userID]
	if !ok {
		return model.KeyBackup{}, ErrUnknownUser
	}
	return b, nil
}

// activeEntries filters to the keys served for encryption. Retired entries
// stay stored so key rotation remains possible, but are never handed out.
func activeEntries(keys []model.PublicKeyEntry) []model.PublicKeyEntry {
	out := make([]model.PublicKeyEntry, 0, len(keys))
	for _, k := range keys {
		if k.Status == model.KeyStatusActive {
			out = append(out, k)
		}
	}
	return out
}
