package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
)

// ErrDuplicateUser is returned when the username or email is already taken.
var ErrDuplicateUser = errors.New("username or email already registered")

const userColumns = `id, username, email, password_hash, COALESCE(display_name,''), is_active, last_active_at, created_at, updated_at`

// Repository handles user and refresh token persistence.
type Repository struct {
	db database.DB
}

// NewRepository creates an auth repository.
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) getOne(ctx context.Context, where string, arg any) (*models.User, error) {
	var u models.User
	err := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.DisplayName, &u.IsActive, &u.LastActiveAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, database.NotFound(err)
	}
	return &u, nil
}

// GetByID returns a user by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetByEmail returns a user by email (case-insensitive).
func (r *Repository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, `LOWER(email) = LOWER($1)`, email)
}

// GetByUsernameOrEmail resolves a human-entered address to a user.
func (r *Repository) GetByUsernameOrEmail(ctx context.Context, address string) (*models.User, error) {
	return r.getOne(ctx, `LOWER(email) = LOWER($1) OR LOWER(username) = LOWER($1) LIMIT 1`, address)
}

// Create inserts a new user.
func (r *Repository) Create(ctx context.Context, username, email, passwordHash, displayName string) (*models.User, error) {
	const q = `INSERT INTO users (username, email, password_hash, display_name)
		VALUES ($1, $2, $3, NULLIF($4,''))
		RETURNING ` + userColumns
	var u models.User
	err := r.db.QueryRow(ctx, q, username, email, passwordHash, displayName).
		Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.DisplayName, &u.IsActive, &u.LastActiveAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateUser
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &u, nil
}

// SetActiveStatus records the user's presence and last activity time.
func (r *Repository) SetActiveStatus(ctx context.Context, id uuid.UUID, active bool, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET is_active = $2, last_active_at = $3, updated_at = NOW() WHERE id = $1`,
		id, active, at)
	return err
}

// UpdateProfile changes the display name.
func (r *Repository) UpdateProfile(ctx context.Context, id uuid.UUID, displayName string) (*models.User, error) {
	var u models.User
	err := r.db.QueryRow(ctx,
		`UPDATE users SET display_name = NULLIF($2,''), updated_at = NOW() WHERE id = $1 RETURNING `+userColumns,
		id, displayName).
		Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.DisplayName, &u.IsActive, &u.LastActiveAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, database.NotFound(err)
	}
	return &u, nil
}

// Search finds users whose username, display name or email starts with q, excluding the caller.
func (r *Repository) Search(ctx context.Context, q string, exclude uuid.UUID, limit int) ([]models.UserPublic, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, username, COALESCE(display_name,''), is_active, last_active_at FROM users
		 WHERE id <> $1 AND (username ILIKE $2 || '%' OR display_name ILIKE $2 || '%' OR email ILIKE $2 || '%')
		 ORDER BY username LIMIT $3`,
		exclude, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.UserPublic
	for rows.Next() {
		var u models.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.IsActive, &u.LastActiveAt); err != nil {
			return nil, err
		}
		list = append(list, u)
	}
	return list, rows.Err()
}

// StoreRefreshToken persists an issued refresh token.
func (r *Repository) StoreRefreshToken(ctx context.Context, userID uuid.UUID, tok IssuedToken) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO refresh_tokens (id, user_id, expires_at) VALUES ($1, $2, $3)`,
		tok.ID, userID, tok.ExpiresAt)
	return err
}

// GetRefreshToken loads a refresh token by its JWT ID.
func (r *Repository) GetRefreshToken(ctx context.Context, id uuid.UUID) (*models.RefreshToken, error) {
	var t models.RefreshToken
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, expires_at, revoked FROM refresh_tokens WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &t.ExpiresAt, &t.Revoked)
	if err != nil {
		return nil, database.NotFound(err)
	}
	return &t, nil
}

// RevokeRefreshToken marks a refresh token unusable.
func (r *Repository) RevokeRefreshToken(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`, id)
	return err
}
