package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
)

// Repository handles key bundle, prekey and session persistence.
type Repository struct {
	db database.DB
}

// NewRepository creates a key repository.
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

// UpsertBundle stores the user's key bundle and reports whether it was new.
func (r *Repository) UpsertBundle(ctx context.Context, b *models.KeyBundle) (bool, error) {
	var inserted bool
	err := r.db.QueryRow(ctx,
		`INSERT INTO user_keys (user_id, identity_key, signed_prekey, signed_prekey_signature, signed_prekey_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE SET identity_key = EXCLUDED.identity_key,
		   signed_prekey = EXCLUDED.signed_prekey, signed_prekey_signature = EXCLUDED.signed_prekey_signature,
		   signed_prekey_id = EXCLUDED.signed_prekey_id, updated_at = NOW()
		 RETURNING updated_at, (xmax = 0)`,
		b.UserID, b.IdentityKey, b.SignedPrekey, b.SignedPrekeySignature, b.SignedPrekeyID,
	).Scan(&b.UpdatedAt, &inserted)
	if err != nil {
		return false, fmt.Errorf("upsert key bundle: %w", err)
	}
	return inserted, nil
}

// GetBundle returns the user's key bundle.
func (r *Repository) GetBundle(ctx context.Context, userID uuid.UUID) (*models.KeyBundle, error) {
	var b models.KeyBundle
	err := r.db.QueryRow(ctx,
		`SELECT user_id, identity_key, signed_prekey, signed_prekey_signature, signed_prekey_id, updated_at
		 FROM user_keys WHERE user_id = $1`, userID,
	).Scan(&b.UserID, &b.IdentityKey, &b.SignedPrekey, &b.SignedPrekeySignature, &b.SignedPrekeyID, &b.UpdatedAt)
	if err != nil {
		return nil, database.NotFound(err)
	}
	return &b, nil
}

// AddPrekeys stores one-time prekeys. An existing unused prekey with the same
// ID is kept; a used one is replaced and becomes available again.
func (r *Repository) AddPrekeys(ctx context.Context, userID uuid.UUID, prekeys []models.OneTimePrekey) ([]models.OneTimePrekey, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	saved := make([]models.OneTimePrekey, 0, len(prekeys))
	for _, pk := range prekeys {
		var out models.OneTimePrekey
		err := tx.QueryRow(ctx,
			`INSERT INTO one_time_prekeys (user_id, prekey_id, prekey) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, prekey_id) DO UPDATE SET prekey = EXCLUDED.prekey, used = FALSE, used_at = NULL
			 WHERE one_time_prekeys.used
			 RETURNING id, prekey_id, used`,
			userID, pk.PrekeyID, pk.Prekey,
		).Scan(&out.ID, &out.PrekeyID, &out.Used)
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.QueryRow(ctx,
				`SELECT id, prekey_id, used FROM one_time_prekeys WHERE user_id = $1 AND prekey_id = $2`,
				userID, pk.PrekeyID,
			).Scan(&out.ID, &out.PrekeyID, &out.Used)
		}
		if err != nil {
			return nil, fmt.Errorf("store prekey %d: %w", pk.PrekeyID, err)
		}
		saved = append(saved, out)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return saved, nil
}

// ClaimPrekey marks one unused prekey of userID used and returns it.
// Concurrent claims never receive the same prekey.
func (r *Repository) ClaimPrekey(ctx context.Context, userID uuid.UUID) (*models.OneTimePrekey, error) {
	var pk models.OneTimePrekey
	err := r.db.QueryRow(ctx,
		`UPDATE one_time_prekeys SET used = TRUE, used_at = NOW()
		 WHERE id = (SELECT id FROM one_time_prekeys WHERE user_id = $1 AND NOT used
		             ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED)
		 RETURNING id, prekey_id, prekey, used`, userID,
	).Scan(&pk.ID, &pk.PrekeyID, &pk.Prekey, &pk.Used)
	if err != nil {
		return nil, database.NotFound(err)
	}
	return &pk, nil
}

// CountUnused returns how many prekeys of userID are still available.
func (r *Repository) CountUnused(ctx context.Context, userID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM one_time_prekeys WHERE user_id = $1 AND NOT used`, userID).Scan(&n)
	return n, err
}

const sessionColumns = `id, user_id, other_user_id, session_data, created_at, updated_at`

func scanSession(row pgx.Row) (*models.CryptoSession, error) {
	var s models.CryptoSession
	if err := row.Scan(&s.ID, &s.UserID, &s.OtherUserID, &s.SessionData, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, database.NotFound(err)
	}
	return &s, nil
}

// UpsertSession stores userID's session state for otherUserID.
func (r *Repository) UpsertSession(ctx context.Context, userID, otherUserID uuid.UUID, data string) (*models.CryptoSession, bool, error) {
	var s models.CryptoSession
	var inserted bool
	err := r.db.QueryRow(ctx,
		`INSERT INTO crypto_sessions (user_id, other_user_id, session_data) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, other_user_id) DO UPDATE SET session_data = EXCLUDED.session_data, updated_at = NOW()
		 RETURNING `+sessionColumns+`, (xmax = 0)`,
		userID, otherUserID, data,
	).Scan(&s.ID, &s.UserID, &s.OtherUserID, &s.SessionData, &s.CreatedAt, &s.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upsert session: %w", err)
	}
	return &s, inserted, nil
}

// GetSession returns userID's session state for otherUserID.
func (r *Repository) GetSession(ctx context.Context, userID, otherUserID uuid.UUID) (*models.CryptoSession, error) {
	return scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM crypto_sessions WHERE user_id = $1 AND other_user_id = $2`,
		userID, otherUserID))
}
