// Package server is the reference relay service: store-and-forward message
// queueing, the websocket event channel, the public-key directory and the
// encrypted-backup drop box. It exists so the repo runs end to end without
// an external deployment; relay retention policy lives here, not in the
// client core.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

// Server wires the relay handlers onto their stores and the hub.
type Server struct {
	jwtSecret  string
	messageTTL time.Duration

	pending  PendingStore
	dir      DirectoryStore
	hub      *Hub
	upgrader websocket.Upgrader

	now func() time.Time
}

func New(jwtSecret string, messageTTL time.Duration, pending PendingStore, dir DirectoryStore) *Server {
	return &Server{
		jwtSecret:  jwtSecret,
		messageTTL: messageTTL,
		pending:    pending,
		dir:        dir,
		hub:        NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// Router builds the HTTP surface. Everything except /health requires a
// bearer token; the websocket endpoint authenticates via its token query
// parameter at upgrade time.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/relay/send", s.requireAuth(s.handleSend)).Methods(http.MethodPost)
	api.HandleFunc("/relay/acknowledge", s.requireAuth(s.handleAcknowledge)).Methods(http.MethodPost)
	api.HandleFunc("/relay/pending", s.requireAuth(s.handlePending)).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}", s.requireAuth(s.handleGetUser)).Methods(http.MethodGet)
	api.HandleFunc("/keys", s.requireAuth(s.handlePublishKeys)).Methods(http.MethodPut)
	api.HandleFunc("/keys/backup", s.requireAuth(s.handlePutBackup)).Methods(http.MethodPut)
	api.HandleFunc("/keys/backup", s.requireAuth(s.handleGetBackup)).Methods(http.MethodGet)

	r.HandleFunc("/ws/{userID}", s.handleWebsocket).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSend queues one envelope for the recipient and, when they are
// online, pushes it live as well. The relay copy stays queued either way;
// only the recipient's acknowledgment deletes it.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sender := authedUser(r)

	var req model.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.RecipientID == "" || req.EncryptedContent == "" {
		writeError(w, http.StatusBadRequest, "recipient_id and encrypted_content are required")
		return
	}

	if _, err := s.dir.GetUser(r.Context(), req.RecipientID); err != nil {
		if errors.Is(err, ErrUnknownUser) {
			writeError(w, http.StatusNotFound, "recipient not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "directory lookup failed")
		return
	}

	ttl := s.messageTTL
	if req.TTLDays > 0 {
		ttl = time.Duration(req.TTLDays) * 24 * time.Hour
	}
	id := req.MessageID
	if id == "" {
		id = uuid.NewString()
	}

	now := s.now().UTC()
	msg := model.RelayMessage{
		ID:                  id,
		SenderID:            sender,
		RecipientID:         req.RecipientID,
		EncryptedContent:    req.EncryptedContent,
		EncryptedSessionKey: req.EncryptedSessionKey,
		CryptoVersion:       req.CryptoVersion,
		EncryptionAlgorithm: req.EncryptionAlgorithm,
		KDFAlgorithm:        req.KDFAlgorithm,
		Signatures:          req.Signatures,
		HasMedia:            req.HasMedia,
		MediaRefs:           req.MediaRefs,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}

	if err := s.pending.Queue(r.Context(), &msg); err != nil {
		log.Error("queue relay message failed", zap.String("message_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "queueing failed")
		return
	}

	status := model.RelayStatusQueued
	if s.hub.Send(req.RecipientID, model.FrameRelayMessage, model.RelayMessagePayload{Message: msg}) {
		status = model.RelayStatusDelivered
	}

	writeJSON(w, http.StatusOK, model.SendResponse{
		Success:   true,
		MessageID: id,
		Status:    status,
		ExpiresAt: msg.ExpiresAt,
	})
}

// handleAcknowledge deletes the caller's copy of one message. Idempotent:
// a second acknowledgment reports not_found, which clients treat as a
// successful no-op.
func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	user := authedUser(r)

	var req model.AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	held, err := s.pending.Delete(r.Context(), user, req.MessageID)
	if err != nil {
		log.Error("acknowledge failed", zap.String("message_id", req.MessageID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "acknowledge failed")
		return
	}

	status := model.RelayStatusNotFound
	if held {
		status = model.RelayStatusDeleted
	}
	writeJSON(w, http.StatusOK, model.AckResponse{
		Success:   true,
		MessageID: req.MessageID,
		Status:    status,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	user := authedUser(r)

	msgs, err := s.pending.List(r.Context(), user)
	if err != nil {
		log.Error("list pending failed", zap.String("user_id", user), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "listing pending failed")
		return
	}
	if msgs == nil {
		msgs = []model.RelayMessage{}
	}
	writeJSON(w, http.StatusOK, model.PendingResponse{
		Success:  true,
		Count:    len(msgs),
		Messages: msgs,
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	user, err := s.dir.GetUser(r.Context(), id)
	if errors.Is(err, ErrUnknownUser) {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "directory lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handlePublishKeys(w http.ResponseWriter, r *http.Request) {
	user := authedUser(r)

	var req model.PublishKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys are required")
		return
	}
	if err := s.dir.UpsertKeys(r.Context(), user, req.Keys); err != nil {
		log.Error("publish keys failed", zap.String("user_id", user), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "publishing keys failed")
		return
	}
	writeJSON(w, http.StatusOK, model.PublishKeysResponse{Success: true})
}

func (s *Server) handlePutBackup(w http.ResponseWriter, r *http.Request) {
	user := authedUser(r)

	var req model.KeyBackup
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Backup == "" {
		writeError(w, http.StatusBadRequest, "backup is required")
		return
	}
	if err := s.dir.PutBackup(r.Context(), user, req.Backup); err != nil {
		log.Error("store backup failed", zap.String("user_id", user), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storing backup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	user := authedUser(r)

	backup, err := s.dir.GetBackup(r.Context(), user)
	if errors.Is(err, ErrUnknownUser) {
		writeError(w, http.StatusNotFound, "no backup stored")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetching backup failed")
		return
	}
	writeJSON(w, http.StatusOK, backup)
}

// handleWebsocket upgrades the event channel. The token travels as a query
// parameter and is checked before the upgrade, so there is never an
// unauthenticated open socket; the token subject must match the path user.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]

	subject, err := parseToken(s.jwtSecret, r.URL.Query().Get("token"))
	if err != nil || subject != userID {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	if old := s.hub.Add(userID, conn); old != nil {
		old.Close()
	}
	log.Info("user connected", zap.String("user_id", userID))
	s.hub.Broadcast(model.FrameUserOnline, model.PresencePayload{
		UserID:    userID,
		Timestamp: s.now().UTC(),
	}, userID)

	go s.readLoop(userID, conn)
}

// readLoop consumes the client's outbound frames until the socket dies.
func (s *Server) readLoop(userID string, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		if s.hub.Remove(userID, conn) {
			log.Info("user disconnected", zap.String("user_id", userID))
			s.hub.Broadcast(model.FrameUserOffline, model.PresencePayload{
				UserID:    userID,
				Timestamp: s.now().UTC(),
			}, userID)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("websocket read ended", zap.String("user_id", userID), zap.Error(err))
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("malformed frame", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		s.routeFrame(userID, &frame)
	}
}

// routeFrame forwards client-produced frames. Confirmations turn into
// receipts addressed to the original sender; typing is relayed to its
// recipient with the origin filled in. Unknown types are dropped.
func (s *Server) routeFrame(origin string, frame *model.Frame) {
	switch frame.Type {
	case model.FrameDeliveryConfirmation, model.FrameReadConfirmation:
		var p model.ConfirmationPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.SenderID == "" {
			return
		}
		receipt := model.FrameMessageDelivered
		if frame.Type == model.FrameReadConfirmation {
			receipt = model.FrameMessageRead
		}
		s.hub.Send(p.SenderID, receipt, model.ReceiptPayload{
			MessageID: p.MessageID,
			Timestamp: s.now().UTC(),
		})

	case model.FrameTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.RecipientID == "" {
			return
		}
		s.hub.Send(p.RecipientID, model.FrameTyping, model.TypingPayload{
			UserID:   origin,
			IsTyping: p.IsTyping,
		})

	default:
		log.Debug("unknown client frame", zap.String("type", frame.Type))
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("write response failed", zap.Error(err))
	}
}

// writeError mirrors the {"detail": ...} error shape relay clients parse.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
