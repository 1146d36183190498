// Package session wires the client subsystems into one login-scoped
// object: key store, crypto engine, transport channel, relay client,
// local store, offline queue and directory. Construction is explicit;
// there are no package-level singletons.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/directory"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/keystore"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/protocol/envelope"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/queue"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/relay"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/store"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/transport"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

var (
	// ErrOffline mirrors the transport sentinel so session callers can
	// match it without importing the transport package.
	ErrOffline = transport.ErrNotConnected

	// ErrLoggedIn is returned by Login on an already-live session.
	ErrLoggedIn = errors.New("session: already logged in")
)

// DefaultDrainInterval paces the periodic outbound queue drain.
const DefaultDrainInterval = 15 * time.Second

// Params collects the collaborators a session runs on. Store, Relay and
// Directory are interfaces so tests can substitute implementations; the
// rest are concrete because their behavior is part of the contract.
type Params struct {
	UserID    string
	Keys      *keystore.Store
	Store     store.Store
	Relay     relay.API
	Directory directory.Resolver
	Transport *transport.Transport

	// QueueRetryBase tunes outbound backoff; zero keeps the default.
	QueueRetryBase time.Duration
	// DrainInterval paces periodic queue drains; zero keeps the default.
	DrainInterval time.Duration
}

// Session is the login-scoped facade over the messaging core.
type Session struct {
	userID string
	keys   *keystore.Store
	engine *envelope.Engine
	store  store.Store
	api    relay.API
	dir    directory.Resolver
	tr     *transport.Transport
	queue  *queue.Queue
	pipe   *relay.Pipeline

	drainInterval time.Duration

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	sub    *transport.Subscription

	cbMu         sync.Mutex
	onMessage    func(*model.LocalMessage)
	onDelivered  func(messageID string, at time.Time)
	onRead       func(messageID string, at time.Time)
	onPresence   func(userID string, online bool)
	onTyping     func(userID string, typing bool)
	onOffline    func()
	onSendFailed func(messageID string, err error)
}

func New(p Params) *Session {
	s := &Session{
		userID:        p.UserID,
		keys:          p.Keys,
		engine:        envelope.New(),
		store:         p.Store,
		api:           p.Relay,
		dir:           p.Directory,
		tr:            p.Transport,
		drainInterval: p.DrainInterval,
	}
	if s.drainInterval <= 0 {
		s.drainInterval = DefaultDrainInterval
	}
	s.queue = queue.New(p.Store, s.deliver, p.QueueRetryBase, s.reportSendFailure)
	s.pipe = relay.NewPipeline(p.Relay, s.engine, p.Keys, p.Store)
	s.pipe.OnPersisted(s.notifyMessage)
	s.pipe.ConfirmWith(s.confirmDelivery)
	s.pipe.OnUndecryptable(s.handleUndecryptable)
	s.pipe.VerifyWith(s.senderSigningKey)
	s.tr.OnConnected(s.handleConnected)
	s.tr.OnStateChange(s.handleState)
	return s
}

// OnMessage registers the handler for newly persisted inbound messages,
// including undecryptable sentinels.
func (s *Session) OnMessage(fn func(*model.LocalMessage)) {
	s.cbMu.Lock()
	s.onMessage = fn
	s.cbMu.Unlock()
}

// OnDelivered registers the handler for delivery receipts on our sends.
func (s *Session) OnDelivered(fn func(messageID string, at time.Time)) {
	s.cbMu.Lock()
	s.onDelivered = fn
	s.cbMu.Unlock()
}

// OnRead registers the handler for read receipts on our sends.
func (s *Session) OnRead(fn func(messageID string, at time.Time)) {
	s.cbMu.Lock()
	s.onRead = fn
	s.cbMu.Unlock()
}

// OnPresence registers the handler for counterparties going on/offline.
func (s *Session) OnPresence(fn func(userID string, online bool)) {
	s.cbMu.Lock()
	s.onPresence = fn
	s.cbMu.Unlock()
}

// OnTyping registers the handler for typing indicators.
func (s *Session) OnTyping(fn func(userID string, typing bool)) {
	s.cbMu.Lock()
	s.onTyping = fn
	s.cbMu.Unlock()
}

// OnOffline registers the handler fired when the channel gives up
// reconnecting and goes terminally offline.
func (s *Session) OnOffline(fn func()) {
	s.cbMu.Lock()
	s.onOffline = fn
	s.cbMu.Unlock()
}

// OnSendFailed registers the handler fired once per message whose delivery
// attempts are exhausted.
func (s *Session) OnSendFailed(fn func(messageID string, err error)) {
	s.cbMu.Lock()
	s.onSendFailed = fn
	s.cbMu.Unlock()
}

// Login brings the session up: load or create the identity, publish fresh
// keys, connect the channel, start the queue. The context bounds the whole
// session; cancelling it is equivalent to Logout.
func (s *Session) Login(ctx context.Context) error {
	identity, err := s.keys.GetOrCreateIdentity()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if s.keys.JustGenerated() {
		if err := s.dir.Publish(ctx, identity.DirectoryEntries()); err != nil {
			return fmt.Errorf("publish keys: %w", err)
		}
		log.Info("published fresh identity keys", zap.String("user_id", s.userID))
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrLoggedIn
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	sub := s.tr.Subscribe()
	s.sub = sub
	s.mu.Unlock()

	go s.consume(sub)

	if err := s.tr.Connect(runCtx); err != nil {
		s.Logout()
		return fmt.Errorf("connect channel: %w", err)
	}

	s.queue.Start(runCtx, s.drainInterval)
	return nil
}

// Logout tears the session down: reconnect loop and periodic drains stop,
// the channel closes, the subscription ends. The on-disk identity is kept;
// use ClearIdentity to also wipe key material from memory.
func (s *Session) Logout() {
	s.mu.Lock()
	cancel, sub := s.cancel, s.sub
	s.cancel, s.runCtx, s.sub = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	sub.Close()
	s.tr.Close()
	log.Info("session closed", zap.String("user_id", s.userID))
}

// ClearIdentity wipes the private keys from memory. The identity file
// survives and the next login reloads it.
func (s *Session) ClearIdentity() {
	s.keys.Clear()
}

// Send writes the message locally first, so it is visible immediately and
// survives restarts, then lets the queue deliver it. The returned id is
// the one the relay and the recipient will also use for this message.
func (s *Session) Send(ctx context.Context, recipientID, body string, media []model.MediaRef) (string, error) {
	if recipientID == "" {
		return "", errors.New("send: empty recipient")
	}
	msg := &model.LocalMessage{
		ID:             uuid.NewString(),
		ConversationID: recipientID,
		SenderID:       s.userID,
		RecipientID:    recipientID,
		SentAt:         time.Now().UTC(),
		Body:           body,
		MediaRefs:      media,
	}
	if err := s.store.Save(ctx, msg); err != nil {
		return "", fmt.Errorf("save outbound: %w", err)
	}
	s.kickQueue()
	return msg.ID, nil
}

// SendGroup fans one message out with a fresh envelope per member. The
// group id travels inside each envelope, so the relay only ever sees
// pairwise traffic and cannot tell group copies from direct messages.
func (s *Session) SendGroup(ctx context.Context, groupID string, memberIDs []string, body string) (string, error) {
	members := make([]string, 0, len(memberIDs))
	for _, m := range memberIDs {
		if m != "" && m != s.userID {
			members = append(members, m)
		}
	}
	if groupID == "" || len(members) == 0 {
		return "", errors.New("group send needs a group id and at least one other member")
	}
	msg := &model.LocalMessage{
		ID:             uuid.NewString(),
		ConversationID: groupID,
		SenderID:       s.userID,
		GroupMembers:   members,
		SentAt:         time.Now().UTC(),
		Body:           body,
	}
	if err := s.store.Save(ctx, msg); err != nil {
		return "", fmt.Errorf("save outbound: %w", err)
	}
	s.kickQueue()
	return msg.ID, nil
}

// History returns one conversation ordered by the senders' embedded
// timestamps, not by arrival order.
func (s *Session) History(ctx context.Context, conversationID string) ([]model.LocalMessage, error) {
	return s.store.GetConversation(ctx, conversationID)
}

// Conversations lists thread metadata, most recent first.
func (s *Session) Conversations(ctx context.Context) ([]model.ConversationMeta, error) {
	return s.store.Conversations(ctx)
}

// MarkRead tells the original sender their message was read. Best effort
// over the live channel; there is no stored read state.
func (s *Session) MarkRead(ctx context.Context, messageID, senderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.tr.Send(model.FrameReadConfirmation, model.ConfirmationPayload{
		MessageID: messageID,
		SenderID:  senderID,
	})
}

// SendTyping shares the typing indicator with one counterparty.
func (s *Session) SendTyping(ctx context.Context, recipientID string, typing bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.tr.Send(model.FrameTyping, model.TypingPayload{
		RecipientID: recipientID,
		IsTyping:    typing,
	})
}

// RetryMessage re-arms a terminally failed outbound message and triggers
// a drain. Nothing retries terminal messages automatically.
func (s *Session) RetryMessage(ctx context.Context, messageID string) error {
	if err := s.queue.Retry(ctx, messageID); err != nil {
		return err
	}
	s.kickQueue()
	return nil
}

// ChannelState exposes the transport lifecycle state for status displays.
func (s *Session) ChannelState() transport.ConnState {
	return s.tr.State()
}

// deliver is the queue's send function: encrypt for the recipient (or for
// each group member) and hand the relay a copy under the id the local
// record already carries, then mark the record synced.
func (s *Session) deliver(ctx context.Context, msg *model.LocalMessage) error {
	identity, err := s.keys.GetOrCreateIdentity()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	if len(msg.GroupMembers) > 0 {
		for _, member := range msg.GroupMembers {
			if err := s.sendCopy(ctx, identity, msg, member, msg.ID+":"+member, msg.ConversationID); err != nil {
				return err
			}
		}
	} else {
		if err := s.sendCopy(ctx, identity, msg, msg.RecipientID, msg.ID, ""); err != nil {
			return err
		}
	}

	if err := s.store.MarkSynced(ctx, msg.ID); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

func (s *Session) sendCopy(ctx context.Context, identity *model.Identity, msg *model.LocalMessage, recipientID, wireID, groupID string) error {
	entries, err := s.dir.Lookup(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", recipientID, err)
	}
	key := model.ActiveKey(entries, model.AlgECDHAES256GCM)
	if key == nil {
		// The cached entries may predate a key rotation.
		entries, err = s.dir.Refresh(ctx, recipientID)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", recipientID, err)
		}
		key = model.ActiveKey(entries, model.AlgECDHAES256GCM)
	}
	if key == nil {
		return fmt.Errorf("%s has no active encryption key", recipientID)
	}

	// Remember the key we encrypted with on the thread, so a later key
	// rotation is visible next to the messages it affects. Group threads
	// skip this; their member keys churn per copy.
	if groupID == "" {
		cached := model.CachedKey{
			UserID:    recipientID,
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			KeyData:   key.KeyData,
			CachedAt:  time.Now().UTC(),
		}
		if err := s.store.PutConversationKeys(ctx, msg.ConversationID, []model.CachedKey{cached}); err != nil {
			log.Debug("conversation key cache write failed",
				zap.String("conversation_id", msg.ConversationID),
				zap.Error(err))
		}
	}

	content := model.MessageContent{Body: msg.Body, SentAt: msg.SentAt, ConversationID: groupID}
	plaintext, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	env, sigs, err := s.engine.SealSigned(key.KeyData, plaintext, identity.SignPrivate, identity.SignKeyID())
	if err != nil {
		return fmt.Errorf("seal for %s: %w", recipientID, err)
	}
	blob, err := env.Encode()
	if err != nil {
		return err
	}

	resp, err := s.api.Send(ctx, &model.SendRequest{
		MessageID:           wireID,
		RecipientID:         recipientID,
		EncryptedContent:    blob,
		CryptoVersion:       env.Version,
		EncryptionAlgorithm: env.Algorithm,
		KDFAlgorithm:        model.KDFHKDFSHA256,
		Signatures:          sigs,
		HasMedia:            len(msg.MediaRefs) > 0,
		MediaRefs:           msg.MediaRefs,
	})
	if err != nil {
		return err
	}
	log.Debug("relay accepted message",
		zap.String("message_id", wireID),
		zap.String("status", resp.Status))
	return nil
}

// consume routes channel events until the subscription closes.
func (s *Session) consume(sub *transport.Subscription) {
	for ev := range sub.C {
		switch e := ev.(type) {
		case transport.RelayDelivery:
			ctx := s.liveCtx()
			if ctx == nil {
				continue
			}
			if err := s.pipe.HandleDelivery(ctx, &e.Message); err != nil {
				log.Error("live delivery not processed; awaiting redelivery",
					zap.String("message_id", e.Message.ID),
					zap.Error(err))
			}
		case transport.DeliveryReceipt:
			s.fireReceipt(s.callbackDelivered(), baseID(e.MessageID), e.Timestamp)
		case transport.ReadReceipt:
			s.fireReceipt(s.callbackRead(), baseID(e.MessageID), e.Timestamp)
		case transport.Presence:
			s.cbMu.Lock()
			fn := s.onPresence
			s.cbMu.Unlock()
			if fn != nil {
				fn(e.UserID, e.Online)
			}
		case transport.Typing:
			s.cbMu.Lock()
			fn := s.onTyping
			s.cbMu.Unlock()
			if fn != nil {
				fn(e.UserID, e.IsTyping)
			}
		}
	}
}

func (s *Session) callbackDelivered() func(string, time.Time) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return s.onDelivered
}

func (s *Session) callbackRead() func(string, time.Time) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return s.onRead
}

func (s *Session) fireReceipt(fn func(string, time.Time), messageID string, at time.Time) {
	if fn != nil {
		fn(messageID, at)
	}
}

// handleConnected runs after every successful dial: pull what the relay
// held while we were away, then push what we queued while offline.
func (s *Session) handleConnected() {
	ctx := s.liveCtx()
	if ctx == nil {
		return
	}
	if err := s.pipe.DrainPending(ctx); err != nil && !errors.Is(err, relay.ErrDrainInProgress) {
		log.Warn("pending drain failed", zap.Error(err))
	}
	if err := s.queue.Drain(ctx); err != nil && !errors.Is(err, queue.ErrDrainInProgress) {
		log.Warn("outbound drain failed", zap.Error(err))
	}
}

func (s *Session) handleState(st transport.ConnState) {
	if st != transport.StateOffline {
		return
	}
	s.cbMu.Lock()
	fn := s.onOffline
	s.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

// handleUndecryptable refreshes the sender's directory entries, since the
// failure may stem from a stale cached key, and surfaces the stored
// sentinel to the message callback.
func (s *Session) handleUndecryptable(msg *model.RelayMessage) {
	ctx := s.liveCtx()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.dir.Refresh(ctx, msg.SenderID); err != nil {
		log.Warn("key refresh after failed decrypt",
			zap.String("user_id", msg.SenderID),
			zap.Error(err))
	}
	if stored, err := s.store.Get(ctx, msg.ID); err == nil {
		s.notifyMessage(stored)
	}
}

// senderSigningKey resolves the signing key the pipeline checks inbound
// signatures against.
func (s *Session) senderSigningKey(ctx context.Context, senderID string) ([]byte, error) {
	entries, err := s.dir.Lookup(ctx, senderID)
	if err != nil {
		return nil, err
	}
	key := model.ActiveKey(entries, model.AlgEd25519)
	if key == nil {
		return nil, fmt.Errorf("%s has no active signing key", senderID)
	}
	return key.KeyData, nil
}

func (s *Session) confirmDelivery(messageID, senderID string) {
	err := s.tr.Send(model.FrameDeliveryConfirmation, model.ConfirmationPayload{
		MessageID: messageID,
		SenderID:  senderID,
	})
	if err != nil {
		log.Debug("delivery confirmation skipped",
			zap.String("message_id", messageID),
			zap.Error(err))
	}
}

func (s *Session) notifyMessage(msg *model.LocalMessage) {
	s.cbMu.Lock()
	fn := s.onMessage
	s.cbMu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (s *Session) reportSendFailure(messageID string, err error) {
	s.cbMu.Lock()
	fn := s.onSendFailed
	s.cbMu.Unlock()
	if fn != nil {
		fn(messageID, err)
	}
}

func (s *Session) kickQueue() {
	ctx := s.liveCtx()
	if ctx == nil {
		// Logged out: the record waits for the next login's drain.
		return
	}
	go func() {
		if err := s.queue.Drain(ctx); err != nil && !errors.Is(err, queue.ErrDrainInProgress) {
			log.Warn("outbound drain failed", zap.Error(err))
		}
	}()
}

func (s *Session) liveCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

// baseID maps a per-member group copy id back to the local record id.
// Direct message ids pass through unchanged.
func baseID(id string) string {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return id[:i]
	}
	return id
}
