package model

import "time"

// Relay message status strings returned by the relay service.
const (
	RelayStatusQueued    = "queued"
	RelayStatusDelivered = "delivered"
	RelayStatusDeleted   = "deleted"
	RelayStatusNotFound  = "not_found"
)

type (
	// RelayMessage is one server-held undelivered message as the relay
	// service transmits it. The server owns its lifecycle; clients only
	// send, acknowledge, and fetch.
	RelayMessage struct {
		ID          string `json:"id"`
		SenderID    string `json:"sender_id"`
		RecipientID string `json:"recipient_id"`

		// EncryptedContent carries the encoded EncryptedEnvelope.
		// EncryptedSessionKey is a legacy field kept on the wire; direct
		// messages leave it empty.
		EncryptedContent    string `json:"encrypted_content"`
		EncryptedSessionKey string `json:"encrypted_session_key,omitempty"`

		CryptoVersion       string      `json:"crypto_version"`
		EncryptionAlgorithm string      `json:"encryption_algorithm"`
		KDFAlgorithm        string      `json:"kdf_algorithm"`
		Signatures          []Signature `json:"signatures,omitempty"`

		HasMedia  bool       `json:"has_media,omitempty"`
		MediaRefs []MediaRef `json:"media_refs,omitempty"`

		CreatedAt        time.Time `json:"created_at"`
		ExpiresAt        time.Time `json:"expires_at,omitempty"`
		DeliveryAttempts int       `json:"delivery_attempts,omitempty"`
	}

	// SendRequest is the body of POST /relay/send. MessageID lets the
	// sender pick the id so its optimistic local record, the relay copy
	// and the recipient's record all share one id; the server generates
	// an id when it is absent.
	SendRequest struct {
		MessageID           string      `json:"message_id,omitempty"`
		RecipientID         string      `json:"recipient_id"`
		EncryptedContent    string      `json:"encrypted_content"`
		EncryptedSessionKey string      `json:"encrypted_session_key,omitempty"`
		CryptoVersion       string      `json:"crypto_version"`
		EncryptionAlgorithm string      `json:"encryption_algorithm"`
		KDFAlgorithm        string      `json:"kdf_algorithm"`
		Signatures          []Signature `json:"signatures,omitempty"`
		HasMedia            bool        `json:"has_media,omitempty"`
		MediaRefs           []MediaRef  `json:"media_refs,omitempty"`
		TTLDays             int         `json:"ttl_days,omitempty"`
	}

	// SendResponse is the relay's answer to a send. Status is the server's
	// verdict; clients must not assume delivery without it.
	SendResponse struct {
		Success   bool      `json:"success"`
		MessageID string    `json:"message_id"`
		Status    string    `json:"status"`
		ExpiresAt time.Time `json:"expires_at"`
	}

	// AckRequest is the body of POST /relay/acknowledge.
	AckRequest struct {
		MessageID string `json:"message_id"`
	}

	// AckResponse reports whether the relay still held the message.
	// "not_found" is a successful no-op: the copy was already gone.
	AckResponse struct {
		Success   bool   `json:"success"`
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}

	// PendingResponse is the body of GET /relay/pending.
	PendingResponse struct {
		Success  bool           `json:"success"`
		Count    int            `json:"count"`
		Messages []RelayMessage `json:"messages"`
	}
)

// Envelope decodes the encrypted content into its structured form.
func (m *RelayMessage) Envelope() (*EncryptedEnvelope, error) {
	return DecodeEnvelope(m.EncryptedContent)
}
