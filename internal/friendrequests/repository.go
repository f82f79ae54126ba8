package friendrequests

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onyxchat/backend/internal/contacts"
	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
)

// ErrDuplicateRequest is returned when a pending request between the pair exists.
var ErrDuplicateRequest = errors.New("friend request already pending")

const requestColumns = `id, sender_id, recipient_id, status, COALESCE(message,''), created_at, updated_at`

// Repository handles friend request persistence.
type Repository struct {
	db database.DB
}

// NewRepository creates a friend request repository.
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

func scanRequest(row pgx.Row) (*models.FriendRequest, error) {
	var fr models.FriendRequest
	if err := row.Scan(&fr.ID, &fr.SenderID, &fr.RecipientID, &fr.Status, &fr.Message, &fr.CreatedAt, &fr.UpdatedAt); err != nil {
		return nil, database.NotFound(err)
	}
	return &fr, nil
}

// Create inserts a pending request.
func (r *Repository) Create(ctx context.Context, senderID, recipientID uuid.UUID, message string) (*models.FriendRequest, error) {
	fr, err := scanRequest(r.db.QueryRow(ctx,
		`INSERT INTO friend_requests (sender_id, recipient_id, message) VALUES ($1, $2, NULLIF($3,''))
		 RETURNING `+requestColumns,
		senderID, recipientID, message))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateRequest
		}
		return nil, fmt.Errorf("insert friend request: %w", err)
	}
	return fr, nil
}

// ListPending returns pending requests sent to (incoming) or by userID.
func (r *Repository) ListPending(ctx context.Context, userID uuid.UUID, incoming bool) ([]models.FriendRequest, error) {
	column := "sender_id"
	if incoming {
		column = "recipient_id"
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+requestColumns+` FROM friend_requests
		 WHERE `+column+` = $1 AND status = 'pending' ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.FriendRequest{}
	for rows.Next() {
		fr, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *fr)
	}
	return list, rows.Err()
}

// Accept marks a pending request addressed to recipientID accepted and makes
// both users contacts of each other in the same transaction.
func (r *Repository) Accept(ctx context.Context, id, recipientID uuid.UUID) (*models.FriendRequest, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	fr, err := resolve(ctx, tx, id, recipientID, models.FriendRequestAccepted)
	if err != nil {
		return nil, err
	}
	if err := contacts.AddMutual(ctx, tx, fr.SenderID, fr.RecipientID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return fr, nil
}

// Reject marks a pending request addressed to recipientID rejected.
func (r *Repository) Reject(ctx context.Context, id, recipientID uuid.UUID) (*models.FriendRequest, error) {
	return resolve(ctx, r.db, id, recipientID, models.FriendRequestRejected)
}

func resolve(ctx context.Context, db database.DB, id, recipientID uuid.UUID, status models.FriendRequestStatus) (*models.FriendRequest, error) {
	return scanRequest(db.QueryRow(ctx,
		`UPDATE friend_requests SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND recipient_id = $2 AND status = 'pending' RETURNING `+requestColumns,
		id, recipientID, status))
}

// Cancel deletes a pending request made by senderID.
func (r *Repository) Cancel(ctx context.Context, id, senderID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM friend_requests WHERE id = $1 AND sender_id = $2 AND status = 'pending'`, id, senderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// Relation is how a discovered user relates to the viewer.
type Relation string

const (
	RelationNone     Relation = "none"
	RelationContact  Relation = "contact"
	RelationSent     Relation = "sent"
	RelationReceived Relation = "received"
)

// Candidate is a user listed for friend discovery.
type Candidate struct {
	models.UserPublic
	FriendStatus Relation `json:"friend_status"`
}

// Discover lists every other user with their relation to userID.
func (r *Repository) Discover(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Candidate, error) {
	rows, err := r.db.Query(ctx,
		`SELECT u.id, u.username, COALESCE(u.display_name,''), u.is_active, u.last_active_at,
		   CASE
		     WHEN EXISTS (SELECT 1 FROM contacts c WHERE c.user_id = $1 AND c.contact_id = u.id) THEN 'contact'
		     WHEN EXISTS (SELECT 1 FROM friend_requests f WHERE f.sender_id = $1 AND f.recipient_id = u.id AND f.status = 'pending') THEN 'sent'
		     WHEN EXISTS (SELECT 1 FROM friend_requests f WHERE f.sender_id = u.id AND f.recipient_id = $1 AND f.status = 'pending') THEN 'received'
		     ELSE 'none'
		   END
		 FROM users u WHERE u.id <> $1 ORDER BY u.username LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []Candidate{}
	for rows.Next() {
		var (
			c      Candidate
			status string
		)
		if err := rows.Scan(&c.ID, &c.Username, &c.DisplayName, &c.IsActive, &c.LastActiveAt, &status); err != nil {
			return nil, err
		}
		c.FriendStatus = Relation(status)
		list = append(list, c)
	}
	return list, rows.Err()
}
