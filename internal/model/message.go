package model

import "time"

type (
	// MediaRef points at an externally stored attachment. Attachments are
	// not end-to-end encrypted by this core; only the reference travels
	// with the message.
	MediaRef struct {
		Hash string `json:"hash"`
		Size int64  `json:"size"`
		URL  string `json:"url,omitempty"`
	}

	// MessageContent is what actually gets encrypted: the body plus the
	// send timestamp, so display order is fixed by the sender and cannot
	// be skewed by relay or redelivery timing. ConversationID is set for
	// group fan-out; the relay never sees which group a copy belongs to.
	MessageContent struct {
		Body           string    `json:"body"`
		SentAt         time.Time `json:"sent_at"`
		ConversationID string    `json:"conversation_id,omitempty"`
	}

	// LocalMessage is the client-side durable record of one message. Its ID
	// is shared with the relay message id, which is what makes redelivery
	// safe: saving the same id twice updates in place. An outbound group
	// message is one record with GroupMembers set; each member gets its own
	// relay copy under a derived id.
	LocalMessage struct {
		ID             string     `json:"id" bson:"_id"`
		ConversationID string     `json:"conversation_id" bson:"conversation_id"`
		SenderID       string     `json:"sender_id" bson:"sender_id"`
		RecipientID    string     `json:"recipient_id" bson:"recipient_id"`
		GroupMembers   []string   `json:"group_members,omitempty" bson:"group_members,omitempty"`
		SentAt         time.Time  `json:"sent_at" bson:"sent_at"`
		Body           string     `json:"body" bson:"body"`
		MediaRefs      []MediaRef `json:"media_refs,omitempty" bson:"media_refs,omitempty"`

		// Synced reports whether the relay has durably accepted the message
		// (outbound) or whether it originated from the relay (inbound).
		Synced bool `json:"synced" bson:"synced"`

		// Failed marks an outbound message whose delivery attempts are
		// exhausted. It stays set until an explicit user-triggered retry.
		Failed bool `json:"failed,omitempty" bson:"failed,omitempty"`

		// Undecryptable marks an inbound message whose envelope failed
		// verification. The envelope is kept so the user can ask the sender
		// to re-key and resend.
		Undecryptable bool   `json:"undecryptable,omitempty" bson:"undecryptable,omitempty"`
		Envelope      string `json:"envelope,omitempty" bson:"envelope,omitempty"`
	}

	// PublicKeyEntry is one published key of a user, tagged so that future
	// key rotation can coexist with old entries.
	PublicKeyEntry struct {
		KeyID     string `json:"key_id" bson:"key_id"`
		Algorithm string `json:"algorithm" bson:"algorithm"`
		KeyData   []byte `json:"key_data" bson:"key_data"`
		Status    string `json:"status" bson:"status"` // "active" or "retired"
	}

	// ConversationMeta exists once per counterparty or group and is created
	// lazily by the first message that touches the conversation.
	ConversationMeta struct {
		ID            string      `json:"id" bson:"_id"`
		Participants  []string    `json:"participants" bson:"participants"`
		LastMessageAt time.Time   `json:"last_message_at" bson:"last_message_at"`
		RecipientKeys []CachedKey `json:"recipient_keys,omitempty" bson:"recipient_keys,omitempty"`
	}

	// CachedKey is a recipient public key remembered inside a conversation.
	CachedKey struct {
		UserID    string    `json:"user_id" bson:"user_id"`
		KeyID     string    `json:"key_id" bson:"key_id"`
		Algorithm string    `json:"algorithm" bson:"algorithm"`
		KeyData   []byte    `json:"key_data" bson:"key_data"`
		CachedAt  time.Time `json:"cached_at" bson:"cached_at"`
	}
)

// KeyStatusActive is the directory status of keys served for encryption.
const KeyStatusActive = "active"

// ActiveKey returns the first active entry for the given algorithm, or nil.
func ActiveKey(entries []PublicKeyEntry, algorithm string) *PublicKeyEntry {
	for i := range entries {
		if entries[i].Status == KeyStatusActive && entries[i].Algorithm == algorithm {
			return &entries[i]
		}
	}
	return nil
}
