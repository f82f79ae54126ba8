package models

import (
	"time"

	"github.com/google/uuid"
)

// Media is an uploaded object referenced from media messages.
type Media struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	S3Key       string    `json:"-"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}
