package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/internal/observability"
	"github.com/onyxchat/backend/pkg/database"
	"github.com/onyxchat/backend/pkg/utils"
)

const previewRunes = 50

// OutgoingMessage is what a sender asks the relay to deliver.
type OutgoingMessage struct {
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	Content     string
	ContentType models.ContentType
	Encrypted   bool
}

// Relay persists chat messages and pushes them to the recipient's connections.
type Relay struct {
	users    UserStore
	messages MessageStore
	registry *Registry
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewRelay creates a message relay. metrics may be nil.
func NewRelay(users UserStore, messages MessageStore, registry *Registry, metrics *observability.Metrics, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{users: users, messages: messages, registry: registry, metrics: metrics, logger: logger}
}

// Send verifies the recipient, stores the message and delivers NEW_MESSAGE to
// every open connection of the recipient. An offline recipient is not an
// error; the stored message is fetched later.
func (r *Relay) Send(ctx context.Context, m OutgoingMessage) (*models.Message, error) {
	if _, err := r.users.GetByID(ctx, m.RecipientID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			r.metrics.MessageRelayed("recipient_not_found")
			return nil, ErrRecipientNotFound
		}
		r.metrics.MessageRelayed("not_saved")
		return nil, fmt.Errorf("%w: lookup recipient: %w", ErrMessageNotSaved, err)
	}

	ct := m.ContentType
	if ct == "" {
		ct = models.ContentText
	}
	msg, err := r.messages.Create(ctx, m.SenderID, m.RecipientID, m.Content, ct, m.Encrypted)
	if err != nil {
		r.metrics.MessageRelayed("not_saved")
		return nil, fmt.Errorf("%w: %w", ErrMessageNotSaved, err)
	}
	r.metrics.MessageRelayed("sent")

	n := r.registry.Send(m.RecipientID, Frame{Type: TypeNewMessage, Data: msg})
	r.logger.Debug("message relayed",
		zap.String("message_id", msg.ID.String()),
		zap.String("recipient_id", m.RecipientID.String()),
		zap.Int("connections", n))
	return msg, nil
}

// SendToAddress resolves a username or email, sends, and returns the message
// together with a short preview of its content.
func (r *Relay) SendToAddress(ctx context.Context, senderID uuid.UUID, address string, content string, ct models.ContentType, encrypted bool) (*models.Message, string, error) {
	user, err := r.users.GetByUsernameOrEmail(ctx, address)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			r.metrics.MessageRelayed("recipient_not_found")
			return nil, "", ErrRecipientNotFound
		}
		return nil, "", fmt.Errorf("%w: lookup recipient: %w", ErrMessageNotSaved, err)
	}
	msg, err := r.Send(ctx, OutgoingMessage{
		SenderID:    senderID,
		RecipientID: user.ID,
		Content:     content,
		ContentType: ct,
		Encrypted:   encrypted,
	})
	if err != nil {
		return nil, "", err
	}
	return msg, utils.Truncate(content, previewRunes), nil
}

// Receipt is the READ_RECEIPT / RECEIVED_RECEIPT payload sent to the original sender.
type Receipt struct {
	MessageID   uuid.UUID `json:"messageId"`
	RecipientID uuid.UUID `json:"recipientId"`
	At          time.Time `json:"at"`
}

// MarkRead persists the read flag and then notifies the sender.
func (r *Relay) MarkRead(ctx context.Context, readerID, messageID uuid.UUID) (*models.Message, error) {
	msg, err := r.messages.MarkRead(ctx, messageID, readerID)
	if err != nil {
		return nil, receiptErr(err)
	}
	at := time.Now()
	if msg.ReadAt != nil {
		at = *msg.ReadAt
	}
	r.registry.Send(msg.SenderID, Frame{Type: TypeReadReceipt, Data: Receipt{MessageID: msg.ID, RecipientID: readerID, At: at}})
	return msg, nil
}

// MarkReceived persists the delivery flag and then notifies the sender.
func (r *Relay) MarkReceived(ctx context.Context, recipientID, messageID uuid.UUID) (*models.Message, error) {
	msg, err := r.messages.MarkReceived(ctx, messageID, recipientID)
	if err != nil {
		return nil, receiptErr(err)
	}
	at := time.Now()
	if msg.ReceivedAt != nil {
		at = *msg.ReceivedAt
	}
	r.registry.Send(msg.SenderID, Frame{Type: TypeReceivedReceipt, Data: Receipt{MessageID: msg.ID, RecipientID: recipientID, At: at}})
	return msg, nil
}

// Typing forwards a typing indicator. It is never stored.
func (r *Relay) Typing(senderID, recipientID uuid.UUID, isTyping bool) {
	r.registry.Send(recipientID, Frame{Type: TypeTyping, Data: map[string]any{
		"userId":   senderID,
		"isTyping": isTyping,
	}})
}

func receiptErr(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return ErrMessageNotFound
	}
	return fmt.Errorf("update receipt: %w", err)
}

func previewOf(content string) string {
	return utils.Truncate(content, previewRunes)
}
