package session

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/cache"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/directory"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/keystore"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/relay"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/service/server"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/store"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/transport"
)

// These tests run two real sessions against the in-process reference
// relay: real HTTP, real websockets, real crypto, nothing faked.

const e2eSecret = "e2e-test-secret"

type e2eRig struct {
	srv *httptest.Server
}

func newE2ERig(t *testing.T) *e2eRig {
	t.Helper()

	s := server.New(e2eSecret, 24*time.Hour, server.NewMemoryPending(), server.NewMemoryDirectory())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return &e2eRig{srv: ts}
}

// peer is one user's client stack. Its store and identity file survive
// across sessions so a re-login models an app restart, not a new device.
type peer struct {
	userID string
	idPath string
	store  *store.MemoryStore
	rig    *e2eRig

	sess *Session

	mu       sync.Mutex
	messages []model.LocalMessage
	deliver  []string
}

func newPeer(t *testing.T, rig *e2eRig, userID string) *peer {
	t.Helper()
	return &peer{
		userID: userID,
		idPath: filepath.Join(t.TempDir(), "identity.json"),
		store:  store.NewMemory(),
		rig:    rig,
	}
}

// login builds a fresh session over the peer's durable state and brings it
// up.
func (p *peer) login(t *testing.T) {
	t.Helper()

	token, err := server.IssueToken(e2eSecret, p.userID, time.Hour)
	require.NoError(t, err)
	cred := func() (string, error) { return token, nil }

	base := p.rig.srv.URL
	wsBase := "ws" + base[len("http"):]

	p.sess = New(Params{
		UserID:         p.userID,
		Keys:           keystore.New(p.idPath),
		Store:          p.store,
		Relay:          relay.NewClient(base, cred),
		Directory:      directory.NewClient(base, cred, cache.NewMemory(time.Minute)),
		Transport:      transport.New(wsBase, p.userID, cred, 10*time.Millisecond),
		QueueRetryBase: 10 * time.Millisecond,
		DrainInterval:  50 * time.Millisecond,
	})
	p.sess.OnMessage(func(msg *model.LocalMessage) {
		p.mu.Lock()
		p.messages = append(p.messages, *msg)
		p.mu.Unlock()
	})
	p.sess.OnDelivered(func(messageID string, _ time.Time) {
		p.mu.Lock()
		p.deliver = append(p.deliver, messageID)
		p.mu.Unlock()
	})

	require.NoError(t, p.sess.Login(context.Background()))
	t.Cleanup(p.sess.Logout)
}

func (p *peer) received() []model.LocalMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.LocalMessage(nil), p.messages...)
}

func (p *peer) delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deliver...)
}

func TestE2EHappyPath(t *testing.T) {
	rig := newE2ERig(t)
	alice := newPeer(t, rig, "alice")
	bob := newPeer(t, rig, "bob")

	alice.login(t)
	bob.login(t)

	id, err := alice.sess.Send(context.Background(), "bob", "hello", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bob.received()) == 1
	}, 5*time.Second, 20*time.Millisecond, "bob never received the message")

	got := bob.received()[0]
	require.Equal(t, id, got.ID)
	require.Equal(t, "hello", got.Body)
	require.Equal(t, "alice", got.SenderID)
	require.False(t, got.Undecryptable)

	// Exactly one durable record on bob's side, even after the relay's
	// live push raced the pending drain.
	stored, err := bob.store.GetConversation(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "hello", stored[0].Body)

	// Alice's copy went synced and she saw the delivery receipt.
	require.Eventually(t, func() bool {
		msg, err := alice.store.Get(context.Background(), id)
		return err == nil && msg.Synced
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		d := alice.delivered()
		return len(d) >= 1 && d[0] == id
	}, 5*time.Second, 20*time.Millisecond)

	// Bob acknowledged, so the relay holds nothing for him anymore.
	token, err := server.IssueToken(e2eSecret, "bob", time.Hour)
	require.NoError(t, err)
	rc := relay.NewClient(rig.srv.URL, func() (string, error) { return token, nil })
	require.Eventually(t, func() bool {
		pending, err := rc.FetchPending(context.Background())
		return err == nil && len(pending) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestE2EOfflineRecipient(t *testing.T) {
	rig := newE2ERig(t)
	alice := newPeer(t, rig, "alice")
	bob := newPeer(t, rig, "bob")

	// Bob has to exist in the directory before anyone can encrypt to him;
	// his first login publishes the keys, then he goes offline.
	bob.login(t)
	bob.sess.Logout()

	alice.login(t)
	id, err := alice.sess.Send(context.Background(), "bob", "hi bob", nil)
	require.NoError(t, err)

	// The relay accepted the copy while bob was away.
	require.Eventually(t, func() bool {
		msg, err := alice.store.Get(context.Background(), id)
		return err == nil && msg.Synced
	}, 5*time.Second, 20*time.Millisecond)

	// Bob reconnects; the on-connect drain recovers the message.
	bob.login(t)
	require.Eventually(t, func() bool {
		return len(bob.received()) == 1
	}, 5*time.Second, 20*time.Millisecond, "pending drain never delivered")

	got := bob.received()[0]
	require.Equal(t, id, got.ID)
	require.Equal(t, "hi bob", got.Body)

	stored, err := bob.store.GetConversation(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, stored, 1)
}
