package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/directory"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/keystore"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/protocol/envelope"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/store"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/transport"
)

// wsServer is a minimal relay-side websocket endpoint.
type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()

	s := &wsServer{conns: make(chan *websocket.Conn, 8)}
	r := mux.NewRouter()
	r.HandleFunc("/ws/{userID}", func(w http.ResponseWriter, req *http.Request) {
		conn, err := s.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	})
	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) wsBase() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

type fakeRelay struct {
	mu      sync.Mutex
	sends   []model.SendRequest
	acks    []string
	sendErr error
}

func (f *fakeRelay) Send(_ context.Context, req *model.SendRequest) (*model.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, *req)
	return &model.SendResponse{Success: true, MessageID: req.MessageID, Status: model.RelayStatusQueued}, nil
}

func (f *fakeRelay) Acknowledge(_ context.Context, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, messageID)
	return true, nil
}

func (f *fakeRelay) FetchPending(context.Context) ([]model.RelayMessage, error) {
	return nil, nil
}

func (f *fakeRelay) sent() []model.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.SendRequest(nil), f.sends...)
}

func (f *fakeRelay) acked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acks...)
}

func (f *fakeRelay) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

type fakeDirectory struct {
	mu        sync.Mutex
	entries   map[string][]model.PublicKeyEntry
	published [][]model.PublicKeyEntry
	refreshed []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{entries: make(map[string][]model.PublicKeyEntry)}
}

func (f *fakeDirectory) Lookup(_ context.Context, userID string) ([]model.PublicKeyEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, ok := f.entries[userID]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return entries, nil
}

func (f *fakeDirectory) Refresh(ctx context.Context, userID string) ([]model.PublicKeyEntry, error) {
	f.mu.Lock()
	f.refreshed = append(f.refreshed, userID)
	f.mu.Unlock()
	return f.Lookup(ctx, userID)
}

func (f *fakeDirectory) Publish(_ context.Context, entries []model.PublicKeyEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, entries)
	return nil
}

func (f *fakeDirectory) add(userID string, entries []model.PublicKeyEntry) {
	f.mu.Lock()
	f.entries[userID] = entries
	f.mu.Unlock()
}

func (f *fakeDirectory) publishes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestSession(t *testing.T, userID string, srv *wsServer, rl *fakeRelay, dir *fakeDirectory) (*Session, *store.MemoryStore, *keystore.Store) {
	t.Helper()

	keys := keystore.New(filepath.Join(t.TempDir(), "identity.json"))
	st := store.NewMemory()
	tr := transport.New(srv.wsBase(), userID, func() (string, error) { return "tok-" + userID, nil }, 10*time.Millisecond)
	s := New(Params{
		UserID:         userID,
		Keys:           keys,
		Store:          st,
		Relay:          rl,
		Directory:      dir,
		Transport:      tr,
		QueueRetryBase: 5 * time.Millisecond,
		DrainInterval:  20 * time.Millisecond,
	})
	return s, st, keys
}

// identityFor loads another user's key material for sealing test traffic.
func identityFor(t *testing.T, keys *keystore.Store) *model.Identity {
	t.Helper()
	id, err := keys.GetOrCreateIdentity()
	require.NoError(t, err)
	return id
}

func sealTo(t *testing.T, sender, recipient *model.Identity, id, senderID, recipientID, body string, sentAt time.Time, conversationID string) model.RelayMessage {
	t.Helper()

	content, err := json.Marshal(model.MessageContent{Body: body, SentAt: sentAt, ConversationID: conversationID})
	require.NoError(t, err)

	env, sigs, err := envelope.New().SealSigned(recipient.EncPublic, content, sender.SignPrivate, sender.SignKeyID())
	require.NoError(t, err)
	blob, err := env.Encode()
	require.NoError(t, err)

	return model.RelayMessage{
		ID:                  id,
		SenderID:            senderID,
		RecipientID:         recipientID,
		EncryptedContent:    blob,
		CryptoVersion:       env.Version,
		EncryptionAlgorithm: env.Algorithm,
		KDFAlgorithm:        model.KDFHKDFSHA256,
		Signatures:          sigs,
		CreatedAt:           time.Now().UTC(),
	}
}

func pushFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	f, err := model.NewFrame(frameType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(f))
}

func awaitFrame(t *testing.T, conn *websocket.Conn, frameType string) model.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f model.Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == frameType {
			return f
		}
	}
}

func TestLoginPublishesOnlyFreshKeys(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	dir := newFakeDirectory()
	idPath := filepath.Join(t.TempDir(), "identity.json")

	keys := keystore.New(idPath)
	tr := transport.New(srv.wsBase(), "alice", func() (string, error) { return "tok-alice", nil }, 10*time.Millisecond)
	s := New(Params{
		UserID: "alice", Keys: keys, Store: store.NewMemory(),
		Relay: &fakeRelay{}, Directory: dir, Transport: tr,
	})

	require.NoError(t, s.Login(context.Background()))
	srv.accept(t)

	require.Equal(t, 1, dir.publishes())
	identity := identityFor(t, keys)
	require.Equal(t, identity.DirectoryEntries(), dir.published[0])

	// A session over the same identity file models an app restart: the
	// keys are loaded, not generated, so nothing is re-published.
	s.Logout()
	keys2 := keystore.New(idPath)
	tr2 := transport.New(srv.wsBase(), "alice", func() (string, error) { return "tok-alice", nil }, 10*time.Millisecond)
	s2 := New(Params{
		UserID: "alice", Keys: keys2, Store: store.NewMemory(),
		Relay: &fakeRelay{}, Directory: dir, Transport: tr2,
	})
	require.NoError(t, s2.Login(context.Background()))
	defer s2.Logout()
	srv.accept(t)
	require.Equal(t, 1, dir.publishes())
}

func TestSendEncryptsPerRecipient(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	rl := &fakeRelay{}
	dir := newFakeDirectory()
	s, st, keys := newTestSession(t, "alice", srv, rl, dir)

	bobKeys := keystore.New(filepath.Join(t.TempDir(), "identity.json"))
	bob := identityFor(t, bobKeys)
	dir.add("bob", bob.DirectoryEntries())

	require.NoError(t, s.Login(context.Background()))
	defer s.Logout()
	srv.accept(t)

	id, err := s.Send(context.Background(), "bob", "hello bob", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rl.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	req := rl.sent()[0]
	require.Equal(t, id, req.MessageID)
	require.Equal(t, "bob", req.RecipientID)
	require.Equal(t, model.AlgECDHAES256GCM, req.EncryptionAlgorithm)
	require.Equal(t, model.KDFHKDFSHA256, req.KDFAlgorithm)

	// Only bob can open the envelope, and the signature traces back to
	// alice's published signing key.
	env, err := model.DecodeEnvelope(req.EncryptedContent)
	require.NoError(t, err)
	plaintext, err := envelope.New().Open(bob.EncPrivate, env)
	require.NoError(t, err)
	alice := identityFor(t, keys)
	require.NoError(t, envelope.New().Verify(alice.SignPublic, env, req.Signatures))

	var content model.MessageContent
	require.NoError(t, json.Unmarshal(plaintext, &content))
	require.Equal(t, "hello bob", content.Body)
	require.False(t, content.SentAt.IsZero())
	require.Empty(t, content.ConversationID)

	require.Eventually(t, func() bool {
		msg, err := st.Get(context.Background(), id)
		return err == nil && msg.Synced
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendGroupFansOutPerMember(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	rl := &fakeRelay{}
	dir := newFakeDirectory()
	s, st, _ := newTestSession(t, "alice", srv, rl, dir)

	bob := identityFor(t, keystore.New(filepath.Join(t.TempDir(), "identity.json")))
	carol := identityFor(t, keystore.New(filepath.Join(t.TempDir(), "identity.json")))
	dir.add("bob", bob.DirectoryEntries())
	dir.add("carol", carol.DirectoryEntries())

	require.NoError(t, s.Login(context.Background()))
	defer s.Logout()
	srv.accept(t)

	id, err := s.SendGroup(context.Background(), "group-7", []string{"bob", "carol", "alice"}, "hi group")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rl.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)

	copies := map[string]model.SendRequest{}
	for _, req := range rl.sent() {
		copies[req.RecipientID] = req
	}
	require.Len(t, copies, 2)
	require.Equal(t, id+":bob", copies["bob"].MessageID)
	require.Equal(t, id+":carol", copies["carol"].MessageID)

	// Each copy is sealed for its member and carries the group id inside
	// the ciphertext.
	for recipient, identity := range map[string]*model.Identity{"bob": bob, "carol": carol} {
		env, err := model.DecodeEnvelope(copies[recipient].EncryptedContent)
		require.NoError(t, err)
		plaintext, err := envelope.New().Open(identity.EncPrivate, env)
		require.NoError(t, err)
		var content model.MessageContent
		require.NoError(t, json.Unmarshal(plaintext, &content))
		require.Equal(t, "hi group", content.Body)
		require.Equal(t, "group-7", content.ConversationID)
	}

	require.Eventually(t, func() bool {
		msg, err := st.Get(context.Background(), id)
		return err == nil && msg.Synced
	}, 2*time.Second, 5*time.Millisecond)

	history, err := s.History(context.Background(), "group-7")
	require.NoError(t, err)
	require.Len(t, history, 1, "a group send is one local record, not one per member")
}

func TestInboundDeliveryPersistsConfirmsNotifies(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	rl := &fakeRelay{}
	dir := newFakeDirectory()
	s, st, keys := newTestSession(t, "alice", srv, rl, dir)

	received := make(chan *model.LocalMessage, 1)
	s.OnMessage(func(msg *model.LocalMessage) { received <- msg })

	require.NoError(t, s.Login(context.Background()))
	defer s.Logout()
	conn := srv.accept(t)

	bob := identityFor(t, keystore.New(filepath.Join(t.TempDir(), "identity.json")))
	alice := identityFor(t, keys)
	sentAt := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	msg := sealTo(t, bob, alice, "m-1", "bob", "alice", "hi alice", sentAt, "")

	pushFrame(t, conn, model.FrameRelayMessage, model.RelayMessagePayload{Message: msg})

	select {
	case got := <-received:
		require.Equal(t, "hi alice", got.Body)
		require.Equal(t, "bob", got.ConversationID)
		require.True(t, got.SentAt.Equal(sentAt))
	case <-time.After(5 * time.Second):
		t.Fatal("message callback never fired")
	}

	stored, err := st.Get(context.Background(), "m-1")
	require.NoError(t, err)
	require.True(t, stored.Synced)

	require.Eventually(t, func() bool {
		acks := rl.acked()
		return len(acks) == 1 && acks[0] == "m-1"
	}, 2*time.Second, 5*time.Millisecond)

	frame := awaitFrame(t, conn, model.FrameDeliveryConfirmation)
	var conf model.ConfirmationPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &conf))
	require.Equal(t, "m-1", conf.MessageID)
	require.Equal(t, "bob", conf.SenderID)
}

func TestReceiptCallbacksMapGroupCopyIDs(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	s, _, _ := newTestSession(t, "alice", srv, &fakeRelay{}, newFakeDirectory())

	delivered := make(chan string, 1)
	read := make(chan string, 1)
	s.OnDelivered(func(id string, _ time.Time) { delivered <- id })
	s.OnRead(func(id string, _ time.Time) { read <- id })

	require.NoError(t, s.Login(context.Background()))
	defer s.Logout()
	conn := srv.accept(t)

	now := time.Now().UTC()
	pushFrame(t, conn, model.FrameMessageDelivered, model.ReceiptPayload{MessageID: "base-1:bob", Timestamp: now})
	pushFrame(t, conn, model.FrameMessageRead, model.ReceiptPayload{MessageID: "base-1", Timestamp: now})

	select {
	case id := <-delivered:
		require.Equal(t, "base-1", id, "group copy ids collapse to the local record id")
	case <-time.After(5 * time.Second):
		t.Fatal("delivery receipt never fired")
	}
	select {
	case id := <-read:
		require.Equal(t, "base-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("read receipt never fired")
	}
}

func TestExhaustedSendReportedOnce(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	rl := &fakeRelay{}
	rl.setSendErr(context.DeadlineExceeded)
	dir := newFakeDirectory()
	s, st, _ := newTestSession(t, "alice", srv, rl, dir)

	bob := identityFor(t, keystore.New(filepath.Join(t.TempDir(), "identity.json")))
	dir.add("bob", bob.DirectoryEntries())

	failures := make(chan string, 4)
	s.OnSendFailed(func(id string, _ error) { failures <- id })

	require.NoError(t, s.Login(context.Background()))
	defer s.Logout()
	srv.accept(t)

	id, err := s.Send(context.Background(), "bob", "doomed", nil)
	require.NoError(t, err)

	select {
	case failedID := <-failures:
		require.Equal(t, id, failedID)
	case <-time.After(5 * time.Second):
		t.Fatal("terminal failure never reported")
	}

	require.Eventually(t, func() bool {
		msg, err := st.Get(context.Background(), id)
		return err == nil && msg.Failed && !msg.Synced
	}, 2*time.Second, 5*time.Millisecond)

	// Terminal means terminal: no further failure reports arrive.
	select {
	case <-failures:
		t.Fatal("failure reported more than once")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRetryMessageAfterTerminalFailure(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	rl := &fakeRelay{}
	rl.setSendErr(context.DeadlineExceeded)
	dir := newFakeDirectory()
	s, st, _ := newTestSession(t, "alice", srv, rl, dir)

	bob := identityFor(t, keystore.New(filepath.Join(t.TempDir(), "identity.json")))
	dir.add("bob", bob.DirectoryEntries())

	failures := make(chan string, 4)
	s.OnSendFailed(func(id string, _ error) { failures <- id })

	require.NoError(t, s.Login(context.Background()))
	defer s.Logout()
	srv.accept(t)

	id, err := s.Send(context.Background(), "bob", "second chance", nil)
	require.NoError(t, err)

	select {
	case <-failures:
	case <-time.After(5 * time.Second):
		t.Fatal("terminal failure never reported")
	}

	rl.setSendErr(nil)
	require.NoError(t, s.RetryMessage(context.Background(), id))

	require.Eventually(t, func() bool {
		msg, err := st.Get(context.Background(), id)
		return err == nil && msg.Synced && !msg.Failed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOfflineSendDeliversOnLogin(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t)
	rl := &fakeRelay{}
	dir := newFakeDirectory()
	s, st, _ := newTestSession(t, "alice", srv, rl, dir)

	bob := identityFor(t, keystore.New(filepath.Join(t.TempDir(), "identity.json")))
	dir.add("bob", bob.DirectoryEntries())

	// Logged out: the write lands locally and nothing reaches the relay.
	id, err := s.Send(context.Background(), "bob", "written while offline", nil)
	require.NoError(t, err)
	msg, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	require.False(t, msg.Synced)
	require.Empty(t, rl.sent())

	require.NoError(t, s.Login(context.Background()))
	defer s.Logout()
	srv.accept(t)

	require.Eventually(t, func() bool {
		msg, err := st.Get(context.Background(), id)
		return err == nil && msg.Synced
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, rl.sent(), 1)
}
