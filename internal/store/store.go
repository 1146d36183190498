// Package store is the client's durable message store. Records are keyed by
// the relay message id; saving an id twice updates in place, which is what
// makes redelivery after a lost acknowledgment harmless.
package store

import (
	"context"
	"errors"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

// ErrNotFound is returned when a message or conversation id is unknown.
var ErrNotFound = errors.New("store: not found")

type Store interface {
	// Save upserts by message id and touches the conversation metadata,
	// creating it if this is the first message of the thread.
	Save(ctx context.Context, msg *model.LocalMessage) error

	Get(ctx context.Context, id string) (*model.LocalMessage, error)

	// GetConversation returns the thread ordered by the embedded send
	// timestamp, not arrival order.
	GetConversation(ctx context.Context, conversationID string) ([]model.LocalMessage, error)

	MarkSynced(ctx context.Context, id string) error

	// MarkFailed marks an outbound record whose delivery attempts are
	// exhausted. Failed records drop out of GetUnsynced until ClearFailed.
	MarkFailed(ctx context.Context, id string) error
	ClearFailed(ctx context.Context, id string) error

	// MarkUndecryptable flags an inbound record whose envelope failed
	// verification, retaining the envelope for a later re-key and resend.
	MarkUndecryptable(ctx context.Context, id string, envelope string) error

	// GetUnsynced returns outbound records awaiting relay acceptance,
	// excluding terminally failed ones.
	GetUnsynced(ctx context.Context) ([]model.LocalMessage, error)

	Conversations(ctx context.Context) ([]model.ConversationMeta, error)
	GetConversationMeta(ctx context.Context, id string) (*model.ConversationMeta, error)

	// PutConversationKeys remembers recipient public keys inside the
	// conversation record.
	PutConversationKeys(ctx context.Context, conversationID string, keys []model.CachedKey) error
}
