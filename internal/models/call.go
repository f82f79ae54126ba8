package models

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the terminal outcome stored for a call.
type CallStatus string

const (
	CallCompleted CallStatus = "completed"
	CallRejected  CallStatus = "rejected"
	CallMissed    CallStatus = "missed"
	CallCanceled  CallStatus = "canceled"
)

// MediaKind is audio or video.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// CallRecord is the persisted history entry of a finished call.
type CallRecord struct {
	ID              uuid.UUID  `json:"id"`
	CallerID        uuid.UUID  `json:"caller_id"`
	RecipientID     uuid.UUID  `json:"recipient_id"`
	MediaKind       MediaKind  `json:"media_kind"`
	Status          CallStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}
