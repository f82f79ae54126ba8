package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/onyxchat/backend/internal/models"
)

var (
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrMessageNotSaved   = errors.New("message not saved")
)

// UserStore is the user lookup the realtime core needs. Lookups return
// database.ErrNotFound for unknown users.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByUsernameOrEmail(ctx context.Context, address string) (*models.User, error)
	SetActiveStatus(ctx context.Context, id uuid.UUID, active bool, at time.Time) error
}

// MessageStore persists messages and their receipts. Mark* only match messages
// addressed to recipientID and return database.ErrNotFound otherwise.
type MessageStore interface {
	Create(ctx context.Context, senderID, recipientID uuid.UUID, content string, contentType models.ContentType, encrypted bool) (*models.Message, error)
	MarkRead(ctx context.Context, id, recipientID uuid.UUID) (*models.Message, error)
	MarkReceived(ctx context.Context, id, recipientID uuid.UUID) (*models.Message, error)
}

// ContactStore lists the users whose address book presence updates go to.
type ContactStore interface {
	ContactIDsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// CallStore persists terminal call records.
type CallStore interface {
	Create(ctx context.Context, rec *models.CallRecord) error
}
