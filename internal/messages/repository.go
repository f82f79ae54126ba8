package messages

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
)

const messageColumns = `id, sender_id, recipient_id, content, content_type, encrypted, received, received_at, read, read_at, deleted, created_at, updated_at`

// Repository handles message persistence.
type Repository struct {
	db database.DB
}

// NewRepository creates a message repository.
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.ContentType, &m.Encrypted,
		&m.Received, &m.ReceivedAt, &m.Read, &m.ReadAt, &m.Deleted, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, database.NotFound(err)
	}
	return &m, nil
}

func collect(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()
	list := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// Create inserts a message.
func (r *Repository) Create(ctx context.Context, senderID, recipientID uuid.UUID, content string, ct models.ContentType, encrypted bool) (*models.Message, error) {
	m, err := scanMessage(r.db.QueryRow(ctx,
		`INSERT INTO messages (sender_id, recipient_id, content, content_type, encrypted)
		 VALUES ($1, $2, $3, $4, $5) RETURNING `+messageColumns,
		senderID, recipientID, content, ct, encrypted))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// GetByID returns a message that has not been deleted.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	return scanMessage(r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND NOT deleted`, id))
}

// MarkReceived flags a message as delivered. Only its recipient matches.
func (r *Repository) MarkReceived(ctx context.Context, id, recipientID uuid.UUID) (*models.Message, error) {
	return scanMessage(r.db.QueryRow(ctx,
		`UPDATE messages SET received = TRUE, received_at = COALESCE(received_at, NOW()), updated_at = NOW()
		 WHERE id = $1 AND recipient_id = $2 AND NOT deleted RETURNING `+messageColumns,
		id, recipientID))
}

// MarkRead flags a message as read, which implies received.
func (r *Repository) MarkRead(ctx context.Context, id, recipientID uuid.UUID) (*models.Message, error) {
	return scanMessage(r.db.QueryRow(ctx,
		`UPDATE messages SET read = TRUE, read_at = COALESCE(read_at, NOW()),
		        received = TRUE, received_at = COALESCE(received_at, NOW()), updated_at = NOW()
		 WHERE id = $1 AND recipient_id = $2 AND NOT deleted RETURNING `+messageColumns,
		id, recipientID))
}

// ListForUser returns the newest messages sent or received by userID.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE (sender_id = $1 OR recipient_id = $1) AND NOT deleted
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// Conversation returns messages between two users created before the cursor, newest first.
func (r *Repository) Conversation(ctx context.Context, userID, otherID uuid.UUID, before time.Time, limit int) ([]models.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))
		   AND NOT deleted AND created_at < $3
		 ORDER BY created_at DESC LIMIT $4`,
		userID, otherID, before, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// SoftDelete hides a message. Only its sender matches.
func (r *Repository) SoftDelete(ctx context.Context, id, senderID uuid.UUID) (*models.Message, error) {
	return scanMessage(r.db.QueryRow(ctx,
		`UPDATE messages SET deleted = TRUE, deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND sender_id = $2 AND NOT deleted RETURNING `+messageColumns,
		id, senderID))
}
