package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
)

// Repository handles media metadata persistence.
type Repository struct {
	db database.DB
}

// NewRepository creates a media repository.
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a media row. m.ID must be set; CreatedAt is filled in.
func (r *Repository) Create(ctx context.Context, m *models.Media) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO media (id, owner_id, s3_key, content_type, size_bytes) VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		m.ID, m.OwnerID, m.S3Key, m.ContentType, m.SizeBytes).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert media: %w", err)
	}
	return nil
}

// GetByID returns a media row.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Media, error) {
	var m models.Media
	err := r.db.QueryRow(ctx,
		`SELECT id, owner_id, s3_key, content_type, size_bytes, created_at FROM media WHERE id = $1`, id).
		Scan(&m.ID, &m.OwnerID, &m.S3Key, &m.ContentType, &m.SizeBytes, &m.CreatedAt)
	if err != nil {
		return nil, database.NotFound(err)
	}
	return &m, nil
}

// Delete removes a media row. A missing row is not an error.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM media WHERE id = $1`, id)
	return err
}
