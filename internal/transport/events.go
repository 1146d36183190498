package transport

import (
	"time"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/model"
)

// Event is the closed set of things the channel can deliver. The dispatcher
// converts known frame types into variants; adding a frame type means adding
// a variant here, which every exhaustive switch then has to handle.
type Event interface {
	isEvent()
}

type (
	// RelayDelivery carries one relay message pushed live by the server.
	RelayDelivery struct {
		Message model.RelayMessage
	}

	// DeliveryReceipt reports that a recipient persisted one of our
	// messages.
	DeliveryReceipt struct {
		MessageID string
		Timestamp time.Time
	}

	// ReadReceipt reports that a recipient read one of our messages.
	ReadReceipt struct {
		MessageID string
		Timestamp time.Time
	}

	// Presence reports a user coming online or going offline.
	Presence struct {
		UserID    string
		Online    bool
		Timestamp time.Time
	}

	// Typing carries the counterparty's typing indicator.
	Typing struct {
		UserID   string
		IsTyping bool
	}
)

func (RelayDelivery) isEvent()   {}
func (DeliveryReceipt) isEvent() {}
func (ReadReceipt) isEvent()     {}
func (Presence) isEvent()        {}
func (Typing) isEvent()          {}
