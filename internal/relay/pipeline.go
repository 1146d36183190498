package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/keystore"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/protocol/envelope"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/store"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

// ErrDrainInProgress signals an overlapping pending drain; the request is a
// no-op.
var ErrDrainInProgress = errors.New("relay: pending drain already running")

// ackAttempts bounds acknowledgment retries after a successful persist. If
// they all fail, redelivery is harmless because the store dedups on id.
const ackAttempts = 3

// ackRetryDelay spaces acknowledgment retries (delay × attempt).
const ackRetryDelay = 500 * time.Millisecond

// ConfirmFunc emits a delivery confirmation frame back to the sender. Best
// effort; the HTTP acknowledgment is what authorizes relay deletion.
type ConfirmFunc func(messageID, senderID string)

// NotifyFunc observes every message the pipeline persisted.
type NotifyFunc func(msg *model.LocalMessage)

// UndecryptableFunc observes messages persisted as undecryptable
// sentinels, so the session can invalidate cached keys for the sender.
type UndecryptableFunc func(msg *model.RelayMessage)

// VerifyKeyFunc returns the sender's signing public key for signature
// checks on inbound messages.
type VerifyKeyFunc func(ctx context.Context, senderID string) ([]byte, error)

// Pipeline is the one processing path for inbound messages, whether pushed
// live over the channel or drained from the relay's pending list:
// decrypt, persist, then acknowledge, in that order.
type Pipeline struct {
	api    API
	engine *envelope.Engine
	keys   *keystore.Store
	store  store.Store

	confirm       ConfirmFunc
	notify        NotifyFunc
	undecryptable UndecryptableFunc
	verifyKey     VerifyKeyFunc

	drainMu sync.Mutex

	ackDelay time.Duration
}

func NewPipeline(api API, engine *envelope.Engine, keys *keystore.Store, st store.Store) *Pipeline {
	return &Pipeline{
		api:      api,
		engine:   engine,
		keys:     keys,
		store:    st,
		ackDelay: ackRetryDelay,
	}
}

// OnPersisted registers the observer for newly stored messages.
func (p *Pipeline) OnPersisted(fn NotifyFunc) {
	p.notify = fn
}

// ConfirmWith sets the delivery confirmation emitter.
func (p *Pipeline) ConfirmWith(fn ConfirmFunc) {
	p.confirm = fn
}

// OnUndecryptable registers the observer for sentinel persists.
func (p *Pipeline) OnUndecryptable(fn UndecryptableFunc) {
	p.undecryptable = fn
}

// VerifyWith enables signature checks on inbound messages that carry
// signatures. Without it, envelopes rest on AES-GCM integrity alone.
func (p *Pipeline) VerifyWith(fn VerifyKeyFunc) {
	p.verifyKey = fn
}

// HandleDelivery processes one relay message to completion.
//
// Decrypt failures are deterministic: redelivering the same envelope cannot
// change the outcome, so the pipeline persists an undecryptable sentinel
// (keeping the envelope for a later re-key and resend) and still
// acknowledges. Persistence failures are the opposite: the relay copy is
// the only copy, so no acknowledgment may happen and the error propagates.
func (p *Pipeline) HandleDelivery(ctx context.Context, msg *model.RelayMessage) error {
	identity, err := p.keys.GetOrCreateIdentity()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	local, decryptErr := p.decrypt(ctx, identity, msg)
	if decryptErr != nil {
		log.Warn("inbound message failed verification",
			zap.String("message_id", msg.ID),
			zap.String("sender_id", msg.SenderID),
			zap.Error(decryptErr))
		if err := p.persistSentinel(ctx, msg); err != nil {
			return fmt.Errorf("persist sentinel: %w", err)
		}
	} else {
		if err := p.store.Save(ctx, local); err != nil {
			return fmt.Errorf("persist message: %w", err)
		}
	}

	p.acknowledge(ctx, msg.ID)

	if decryptErr != nil {
		if p.undecryptable != nil {
			p.undecryptable(msg)
		}
		return nil
	}
	if p.confirm != nil {
		p.confirm(msg.ID, msg.SenderID)
	}
	if p.notify != nil {
		p.notify(local)
	}
	return nil
}

// DrainPending pulls everything the relay holds for this user through
// HandleDelivery. Single-flight: a drain requested during a drain is a
// no-op. Individual message failures do not stop the pass; those messages
// stay queued on the relay for the next drain.
func (p *Pipeline) DrainPending(ctx context.Context) error {
	if !p.drainMu.TryLock() {
		return ErrDrainInProgress
	}
	defer p.drainMu.Unlock()

	msgs, err := p.api.FetchPending(ctx)
	if err != nil {
		return fmt.Errorf("fetch pending: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	log.Info("draining pending messages", zap.Int("count", len(msgs)))
	for i := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.HandleDelivery(ctx, &msgs[i]); err != nil {
			log.Error("pending message left on relay",
				zap.String("message_id", msgs[i].ID),
				zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) decrypt(ctx context.Context, identity *model.Identity, msg *model.RelayMessage) (*model.LocalMessage, error) {
	env, err := msg.Envelope()
	if err != nil {
		return nil, err
	}

	if p.verifyKey != nil && len(msg.Signatures) > 0 {
		pub, keyErr := p.verifyKey(ctx, msg.SenderID)
		if keyErr != nil {
			// Best effort: an unreachable directory does not hold up
			// delivery.
			log.Debug("sender key unavailable, skipping signature check",
				zap.String("sender_id", msg.SenderID),
				zap.Error(keyErr))
		} else if err := p.engine.Verify(pub, env, msg.Signatures); err != nil {
			return nil, err
		}
	}

	plaintext, err := p.engine.Open(identity.EncPrivate, env)
	if err != nil {
		return nil, err
	}

	var content model.MessageContent
	if err := json.Unmarshal(plaintext, &content); err != nil {
		// Not structured content; keep the raw text.
		content = model.MessageContent{Body: string(plaintext)}
	}
	sentAt := content.SentAt
	if sentAt.IsZero() {
		sentAt = msg.CreatedAt
	}
	conversationID := content.ConversationID
	if conversationID == "" {
		conversationID = msg.SenderID
	}

	return &model.LocalMessage{
		ID:             msg.ID,
		ConversationID: conversationID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		SentAt:         sentAt,
		Body:           content.Body,
		MediaRefs:      msg.MediaRefs,
		Synced:         true,
	}, nil
}

// persistSentinel stores the undecryptable record with the original
// envelope attached.
func (p *Pipeline) persistSentinel(ctx context.Context, msg *model.RelayMessage) error {
	sentAt := msg.CreatedAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	stub := &model.LocalMessage{
		ID:             msg.ID,
		ConversationID: msg.SenderID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		SentAt:         sentAt,
		Synced:         true,
	}
	if err := p.store.Save(ctx, stub); err != nil {
		return err
	}
	return p.store.MarkUndecryptable(ctx, msg.ID, msg.EncryptedContent)
}

// acknowledge retries a few times; a final failure is logged and absorbed
// because the message is already durably stored and redelivery dedups.
func (p *Pipeline) acknowledge(ctx context.Context, messageID string) {
	for attempt := 1; attempt <= ackAttempts; attempt++ {
		ok, err := p.api.Acknowledge(ctx, messageID)
		if err == nil && ok {
			return
		}
		if err != nil {
			log.Warn("acknowledge failed",
				zap.String("message_id", messageID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		if attempt < ackAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.ackDelay * time.Duration(attempt)):
			}
		}
	}
	log.Error("acknowledge abandoned; relying on id dedup at redelivery",
		zap.String("message_id", messageID))
}
