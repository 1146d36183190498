// Package transport maintains the client's websocket channel to the relay:
// one logical connection per session, authenticated at connect time, with
// bounded auto-reconnect and typed event fan-out to scoped subscribers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

// ConnState is the channel's lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateOffline is terminal: reconnect attempts are exhausted and the
	// channel stays down until the next explicit Connect.
	StateOffline
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// MaxConnectAttempts bounds one reconnect round.
const MaxConnectAttempts = 5

// subscriberBuffer is each subscription channel's capacity. Dispatch never
// blocks the read loop; a full subscriber drops the event with a warning.
const subscriberBuffer = 32

var (
	// ErrNotConnected is returned by Send when the channel is down.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAlreadyConnected is returned by Connect on a live channel.
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// CredentialFunc returns the freshest bearer token. It is called at every
// connection attempt because the token may have been refreshed since the
// last one.
type CredentialFunc func() (string, error)

// Subscription is one scoped registration. Close unregisters it and closes
// C, so a handler goroutine ranging over C terminates cleanly.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	t    *Transport
	id   int
	once sync.Once
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.subs, s.id)
		s.t.mu.Unlock()
		close(s.ch)
	})
}

// Transport is the reconnecting websocket channel for one user session.
type Transport struct {
	wsBase    string
	userID    string
	cred      CredentialFunc
	retryBase time.Duration

	dialer *websocket.Dialer

	mu          sync.Mutex
	state       ConnState
	conn        *websocket.Conn
	subs        map[int]chan Event
	nextSubID   int
	onConnected []func()
	onState     []func(ConnState)
	cancel      context.CancelFunc

	writeMu sync.Mutex
}

// New builds a transport for userID against a ws(s) base URL such as
// "ws://localhost:8001". Nothing connects until Connect.
func New(wsBase, userID string, cred CredentialFunc, retryBase time.Duration) *Transport {
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Transport{
		wsBase:    wsBase,
		userID:    userID,
		cred:      cred,
		retryBase: retryBase,
		dialer:    websocket.DefaultDialer,
		subs:      make(map[int]chan Event),
		state:     StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnConnected registers a hook fired after every successful (re)connection.
// The session uses it to drain relay-pending messages.
func (t *Transport) OnConnected(fn func()) {
	t.mu.Lock()
	t.onConnected = append(t.onConnected, fn)
	t.mu.Unlock()
}

// OnStateChange registers a hook observing lifecycle transitions, including
// the terminal offline state.
func (t *Transport) OnStateChange(fn func(ConnState)) {
	t.mu.Lock()
	t.onState = append(t.onState, fn)
	t.mu.Unlock()
}

// Subscribe registers a new event subscriber.
func (t *Transport) Subscribe() *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	t.nextSubID++
	id := t.nextSubID
	t.subs[id] = ch
	return &Subscription{C: ch, ch: ch, t: t, id: id}
}

// Connect dials the channel. The first dial is synchronous so the caller
// learns immediately whether login worked; after that a background loop
// owns the connection until ctx is cancelled or Close is called.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting || t.state == StateReconnecting {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	// Claim the channel before releasing the lock so a concurrent Connect
	// cannot pass the guard too and overwrite t.cancel.
	t.state = StateConnecting
	hooks := append([]func(ConnState){}, t.onState...)
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	for _, fn := range hooks {
		fn(StateConnecting)
	}

	if err := t.dial(runCtx); err != nil {
		cancel()
		t.setState(StateDisconnected)
		return err
	}

	go t.run(runCtx)
	return nil
}

// Close tears the channel down for good: the reconnect loop stops, the
// connection closes politely, and every subscription channel is closed.
func (t *Transport) Close() {
	t.mu.Lock()
	cancel := t.cancel
	conn := t.conn
	t.cancel = nil
	t.conn = nil
	subs := t.subs
	t.subs = make(map[int]chan Event)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.writeMu.Unlock()
		conn.Close()
	}
	for _, ch := range subs {
		close(ch)
	}
	t.setState(StateDisconnected)
}

// Send writes one outbound frame. Fails fast when the channel is down;
// callers that need delivery guarantees go through the relay HTTP API, not
// here.
func (t *Transport) Send(frameType string, payload any) error {
	frame, err := model.NewFrame(frameType, payload)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(&frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) error {
	t.setState(StateConnecting)

	token, err := t.cred()
	if err != nil {
		return fmt.Errorf("obtain credential: %w", err)
	}

	u, err := url.Parse(t.wsBase)
	if err != nil {
		return fmt.Errorf("parse websocket base: %w", err)
	}
	u.Path = "/ws/" + t.userID
	u.RawQuery = url.Values{"token": []string{token}}.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (http %d)", u.Host, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", u.Host, err)
	}

	t.mu.Lock()
	t.conn = conn
	hooks := append([]func(){}, t.onConnected...)
	t.mu.Unlock()
	t.setState(StateConnected)

	log.Info("channel connected", zap.String("user_id", t.userID))
	for _, fn := range hooks {
		go fn()
	}
	return nil
}

// run owns the connection: it pumps the read loop and, on abnormal closure,
// reconnects with delay = base × attempt up to the bound, after which the
// channel goes terminally offline.
func (t *Transport) run(ctx context.Context) {
	for {
		t.readLoop()

		if ctx.Err() != nil {
			return
		}

		t.setState(StateReconnecting)
		if !t.reconnect(ctx) {
			return
		}
	}
}

func (t *Transport) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= MaxConnectAttempts; attempt++ {
		delay := t.retryBase * time.Duration(attempt)
		log.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			t.setState(StateDisconnected)
			return false
		case <-time.After(delay):
		}

		err := t.dial(ctx)
		if err == nil {
			return true
		}
		log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	log.Error("reconnect attempts exhausted; channel offline",
		zap.Int("attempts", MaxConnectAttempts))
	t.setState(StateOffline)
	return false
}

func (t *Transport) readLoop() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("channel read ended", zap.Error(err))
			conn.Close()
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error("malformed frame", zap.Error(err))
			continue
		}
		t.dispatch(&frame)
	}
}

// dispatch converts a frame into its event variant and fans it out. Unknown
// frame types are logged and dropped; they must never kill the read loop.
func (t *Transport) dispatch(frame *model.Frame) {
	ev := decodeEvent(frame)
	if ev == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			log.Warn("subscriber too slow; event dropped",
				zap.Int("subscriber", id),
				zap.String("frame_type", frame.Type))
		}
	}
}

func decodeEvent(frame *model.Frame) Event {
	switch frame.Type {
	case model.FrameRelayMessage:
		var p model.RelayMessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Error("malformed relay_message payload", zap.Error(err))
			return nil
		}
		return RelayDelivery{Message: p.Message}

	case model.FrameMessageDelivered:
		var p model.ReceiptPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Error("malformed message_delivered payload", zap.Error(err))
			return nil
		}
		return DeliveryReceipt{MessageID: p.MessageID, Timestamp: p.Timestamp}

	case model.FrameMessageRead:
		var p model.ReceiptPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Error("malformed message_read payload", zap.Error(err))
			return nil
		}
		return ReadReceipt{MessageID: p.MessageID, Timestamp: p.Timestamp}

	case model.FrameUserOnline, model.FrameUserOffline:
		var p model.PresencePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Error("malformed presence payload", zap.Error(err))
			return nil
		}
		return Presence{
			UserID:    p.UserID,
			Online:    frame.Type == model.FrameUserOnline,
			Timestamp: p.Timestamp,
		}

	case model.FrameTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Error("malformed typing payload", zap.Error(err))
			return nil
		}
		return Typing{UserID: p.UserID, IsTyping: p.IsTyping}

	default:
		log.Debug("unknown frame type", zap.String("type", frame.Type))
		return nil
	}
}

func (t *Transport) setState(s ConnState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	hooks := append([]func(ConnState){}, t.onState...)
	t.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
}
