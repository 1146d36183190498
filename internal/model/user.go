package model

import "time"

type (
	// DirectoryUser is the public view of one account as served by the
	// directory. PublicKeys carries only entries usable for encryption;
	// retired keys are not served.
	DirectoryUser struct {
		ID         string           `json:"id"`
		Username   string           `json:"username,omitempty"`
		PublicKeys []PublicKeyEntry `json:"public_keys"`
		IsActive   bool             `json:"is_active"`
		LastSeen   time.Time        `json:"last_seen,omitempty"`
	}

	// PublishKeysRequest is the body of PUT /keys. Publishing replaces the
	// caller's directory entries wholesale.
	PublishKeysRequest struct {
		Keys []PublicKeyEntry `json:"keys"`
	}

	PublishKeysResponse struct {
		Success bool `json:"success"`
	}

	// KeyBackup carries the client-side encrypted identity backup blob.
	// The server stores it verbatim and never learns the password.
	KeyBackup struct {
		Backup    string    `json:"backup" bson:"backup"`
		UpdatedAt time.Time `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
	}
)
