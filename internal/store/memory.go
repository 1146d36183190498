package store

import (
	"context"
	"sort"
	"sync"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

// MemoryStore keeps everything in process. Used by tests and by the demo
// client when no mongo URI is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	messages      map[string]model.LocalMessage
	conversations map[string]model.ConversationMeta
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]model.LocalMessage),
		conversations: make(map[string]model.ConversationMeta),
	}
}

func (s *MemoryStore) Save(_ context.Context, msg *model.LocalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.ID] = *msg
	s.touchConversation(msg)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.LocalMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) ([]model.LocalMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LocalMessage
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) MarkSynced(_ context.Context, id string) error {
	return s.update(id, func(m *model.LocalMessage) {
		m.Synced = true
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string) error {
	return s.update(id, func(m *model.LocalMessage) {
		m.Failed = true
	})
}

func (s *MemoryStore) ClearFailed(_ context.Context, id string) error {
	return s.update(id, func(m *model.LocalMessage) {
		m.Failed = false
	})
}

func (s *MemoryStore) MarkUndecryptable(_ context.Context, id string, envelope string) error {
	return s.update(id, func(m *model.LocalMessage) {
		m.Undecryptable = true
		m.Envelope = envelope
		m.Body = ""
	})
}

func (s *MemoryStore) GetUnsynced(_ context.Context) ([]model.LocalMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LocalMessage
	for _, m := range s.messages {
		if !m.Synced && !m.Failed {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Conversations(_ context.Context) ([]model.ConversationMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ConversationMeta, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *MemoryStore) GetConversationMeta(_ context.Context, id string) (*model.ConversationMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) PutConversationKeys(_ context.Context, conversationID string, keys []model.CachedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		c = model.ConversationMeta{ID: conversationID}
	}
	c.RecipientKeys = keys
	s.conversations[conversationID] = c
	return nil
}

func (s *MemoryStore) update(id string, fn func(*model.LocalMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	fn(&m)
	s.messages[id] = m
	return nil
}

// touchConversation is called with the write lock held.
func (s *MemoryStore) touchConversation(msg *model.LocalMessage) {
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		c = model.ConversationMeta{ID: msg.ConversationID}
	}
	c.Participants = addParticipant(c.Participants, msg.SenderID)
	c.Participants = addParticipant(c.Participants, msg.RecipientID)
	for _, m := range msg.GroupMembers {
		c.Participants = addParticipant(c.Participants, m)
	}
	if msg.SentAt.After(c.LastMessageAt) {
		c.LastMessageAt = msg.SentAt
	}
	s.conversations[msg.ConversationID] = c
}

func addParticipant(list []string, id string) []string {
	if id == "" {
		return list
	}
	for _, p := range list {
		if p == id {
			return list
		}
	}
	list = append(list, id)
	sort.Strings(list)
	return list
}
