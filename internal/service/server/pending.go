package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

// PendingStore holds undelivered relay copies until they are acknowledged
// or expire. Queueing the same message id again overwrites in place, which
// is what makes client-side send retries safe.
type PendingStore interface {
	Queue(ctx context.Context, msg *model.RelayMessage) error
	// List returns the deliverable messages for userID, oldest first, and
	// increments their delivery attempt counters.
	List(ctx context.Context, userID string) ([]model.RelayMessage, error)
	// Delete removes one message if userID is its recipient. The bool
	// reports whether a copy was still held.
	Delete(ctx context.Context, userID, messageID string) (bool, error)
}

// MemoryPending is the in-process PendingStore used when no redis address
// is configured.
type MemoryPending struct {
	mu     sync.RWMutex
	msgs   map[string]*model.RelayMessage
	byUser map[string]map[string]struct{}

	now func() time.Time
}

func NewMemoryPending() *MemoryPending {
	return &MemoryPending{
		msgs:   make(map[string]*model.RelayMessage),
		byUser: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

func (m *MemoryPending) Queue(_ context.Context, msg *model.RelayMessage) error {
	cp := *msg

	m.mu.Lock()
	defer m.mu.Unlock()

	m.msgs[cp.ID] = &cp
	ids, ok := m.byUser[cp.RecipientID]
	if !ok {
		ids = make(map[string]struct{})
		m.byUser[cp.RecipientID] = ids
	}
	ids[cp.ID] = struct{}{}
	return nil
}

func (m *MemoryPending) List(_ context.Context, userID string) ([]model.RelayMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []model.RelayMessage
	for id := range m.byUser[userID] {
		msg, ok := m.msgs[id]
		if !ok {
			delete(m.byUser[userID], id)
			continue
		}
		if !msg.ExpiresAt.IsZero() && now.After(msg.ExpiresAt) {
			m.drop(msg)
			continue
		}
		msg.DeliveryAttempts++
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryPending) Delete(_ context.Context, userID, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.msgs[messageID]
	if !ok || msg.RecipientID != userID {
		return false, nil
	}
	m.drop(msg)
	return true, nil
}

// StartCleanup sweeps expired messages until ctx is cancelled. Redis does
// this with key TTLs; the memory store needs the loop.
func (m *MemoryPending) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *MemoryPending) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, msg := range m.msgs {
		if !msg.ExpiresAt.IsZero() && now.After(msg.ExpiresAt) {
			m.drop(msg)
		}
	}
}

// drop is called with the write lock held.
func (m *MemoryPending) drop(msg *model.RelayMessage) {
	delete(m.msgs, msg.ID)
	if ids, ok := m.byUser[msg.RecipientID]; ok {
		delete(ids, msg.ID)
		if len(ids) == 0 {
			delete(m.byUser, msg.RecipientID)
		}
	}
}
