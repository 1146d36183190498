package model

import (
	"encoding/json"
	"time"
)

// Frame type tags carried on the websocket channel. Inbound tags are
// consumed by the client core, outbound tags are produced by it; the
// reference server speaks both sides.
const (
	FrameRelayMessage     = "relay_message"
	FrameMessageDelivered = "message_delivered"
	FrameMessageRead      = "message_read"
	FrameUserOnline       = "user_online"
	FrameUserOffline      = "user_offline"
	FrameTyping           = "typing"

	FrameDeliveryConfirmation = "delivery_confirmation"
	FrameReadConfirmation     = "read_confirmation"
)

type (
	// Frame is the wire shape of every websocket message: a type tag and a
	// payload object. The channel is a multiplexed event stream, not RPC.
	Frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}

	// RelayMessagePayload wraps one RelayMessage pushed live to an online
	// recipient.
	RelayMessagePayload struct {
		Message RelayMessage `json:"message"`
	}

	// ReceiptPayload reports a delivery or read acknowledgment back to the
	// original sender.
	ReceiptPayload struct {
		MessageID string    `json:"message_id"`
		Timestamp time.Time `json:"timestamp"`
	}

	// ConfirmationPayload is sent by a recipient after persisting (or
	// reading) a message; the server forwards it to SenderID as a receipt.
	ConfirmationPayload struct {
		MessageID string `json:"message_id"`
		SenderID  string `json:"sender_id"`
	}

	// PresencePayload announces a user going on- or offline.
	PresencePayload struct {
		UserID    string    `json:"user_id"`
		Timestamp time.Time `json:"timestamp"`
	}

	// TypingPayload carries the typing indicator in both directions; the
	// server rewrites RecipientID routing into UserID origin.
	TypingPayload struct {
		UserID      string `json:"user_id,omitempty"`
		RecipientID string `json:"recipient_id,omitempty"`
		IsTyping    bool   `json:"is_typing"`
	}
)

// NewFrame marshals payload into a typed frame.
func NewFrame(frameType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Payload: raw}, nil
}
