package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyBundle is a user's long-lived public key material.
type KeyBundle struct {
	UserID                uuid.UUID `json:"user_id"`
	IdentityKey           string    `json:"identity_key"`
	SignedPrekey          string    `json:"signed_prekey"`
	SignedPrekeySignature string    `json:"signed_prekey_signature"`
	SignedPrekeyID        int32     `json:"signed_prekey_id"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// OneTimePrekey is handed out at most once to a peer starting a session.
type OneTimePrekey struct {
	ID       uuid.UUID `json:"id"`
	PrekeyID int32     `json:"prekey_id"`
	Prekey   string    `json:"prekey,omitempty"`
	Used     bool      `json:"used"`
}

// CryptoSession is opaque client session state stored per peer.
type CryptoSession struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	OtherUserID uuid.UUID `json:"other_user_id"`
	SessionData string    `json:"session_data,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
