package server

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

// Hub keys live websocket connections by user id. A user has at most one
// connection; a new one displaces the old, which covers reconnects where
// the server has not yet noticed the dead socket.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*hubConn
}

// hubConn serializes writes: gorilla/websocket allows one concurrent
// writer, and receipts, relays and presence all race for the socket.
type hubConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*hubConn)}
}

// Add registers conn as userID's live connection and returns the displaced
// connection, if any, so the caller can close it.
func (h *Hub) Add(userID string, conn *websocket.Conn) *websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	var old *websocket.Conn
	if prev, ok := h.conns[userID]; ok {
		old = prev.conn
	}
	h.conns[userID] = &hubConn{conn: conn}
	return old
}

// Remove unregisters userID only if conn is still its live connection;
// a stale read loop must not remove the connection that displaced it.
func (h *Hub) Remove(userID string, conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur, ok := h.conns[userID]
	if !ok || cur.conn != conn {
		return false
	}
	delete(h.conns, userID)
	return true
}

// Online reports whether userID has a live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[userID]
	return ok
}

// Send writes one typed frame to userID. The bool reports whether a live
// connection existed and the write went through.
func (h *Hub) Send(userID, frameType string, payload any) bool {
	h.mu.RLock()
	c, ok := h.conns[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	frame, err := model.NewFrame(frameType, payload)
	if err != nil {
		log.Error("encode frame failed", zap.String("type", frameType), zap.Error(err))
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(&frame); err != nil {
		log.Debug("hub write failed",
			zap.String("user_id", userID),
			zap.String("type", frameType),
			zap.Error(err))
		return false
	}
	return true
}

// Broadcast sends one typed frame to every connected user except the
// originator. Used for presence announcements.
func (h *Hub) Broadcast(frameType string, payload any, except string) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		if id != except {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Send(id, frameType, payload)
	}
}
