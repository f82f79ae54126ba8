package calls

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
)

// Repository handles call history persistence.
type Repository struct {
	db database.DB
}

// NewRepository creates a call history repository.
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

// Create stores a finished call.
func (r *Repository) Create(ctx context.Context, rec *models.CallRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO call_records (id, caller_id, recipient_id, media_kind, status, started_at, ended_at, duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.CallerID, rec.RecipientID, rec.MediaKind, rec.Status, rec.StartedAt, rec.EndedAt, rec.DurationSeconds)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// ListForUser returns calls the user placed or received, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.CallRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, caller_id, recipient_id, media_kind, status, started_at, ended_at, duration_seconds
		 FROM call_records WHERE caller_id = $1 OR recipient_id = $1
		 ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.CallRecord{}
	for rows.Next() {
		var rec models.CallRecord
		if err := rows.Scan(&rec.ID, &rec.CallerID, &rec.RecipientID, &rec.MediaKind, &rec.Status,
			&rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds); err != nil {
			return nil, err
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}
