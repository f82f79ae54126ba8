package models

import (
	"time"

	"github.com/google/uuid"
)

// ContentType is the kind of payload a message carries.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
	ContentAudio ContentType = "audio"
	ContentVideo ContentType = "video"
)

// Valid reports whether the content type is one the clients understand.
func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentImage, ContentFile, ContentAudio, ContentVideo:
		return true
	}
	return false
}

// IsMedia reports whether the content is a reference to an uploaded media object.
func (c ContentType) IsMedia() bool {
	return c != ContentText && c.Valid()
}

// Message is a durable chat message. Content is opaque (usually end-to-end encrypted).
type Message struct {
	ID          uuid.UUID   `json:"id"`
	SenderID    uuid.UUID   `json:"sender_id"`
	RecipientID uuid.UUID   `json:"recipient_id"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	Encrypted   bool        `json:"encrypted"`
	Received    bool        `json:"received"`
	ReceivedAt  *time.Time  `json:"received_at,omitempty"`
	Read        bool        `json:"read"`
	ReadAt      *time.Time  `json:"read_at,omitempty"`
	Deleted     bool        `json:"deleted"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
