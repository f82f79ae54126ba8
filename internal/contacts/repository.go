package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
)

// ErrDuplicateContact is returned when the contact already exists.
var ErrDuplicateContact = errors.New("contact already exists")

const contactSelect = `SELECT c.id, c.user_id, c.contact_id, COALESCE(c.nickname,''), c.blocked, c.created_at,
	u.id, u.username, COALESCE(u.display_name,''), u.is_active, u.last_active_at
	FROM contacts c JOIN users u ON u.id = c.contact_id`

// Repository handles contacts persistence.
type Repository struct {
	db database.DB
}

// NewRepository creates a contacts repository.
func NewRepository(db database.DB) *Repository {
	return &Repository{db: db}
}

func scanContact(row pgx.Row) (*models.Contact, error) {
	var c models.Contact
	err := row.Scan(&c.ID, &c.UserID, &c.ContactID, &c.Nickname, &c.Blocked, &c.CreatedAt,
		&c.Contact.ID, &c.Contact.Username, &c.Contact.DisplayName, &c.Contact.IsActive, &c.Contact.LastActiveAt)
	if err != nil {
		return nil, database.NotFound(err)
	}
	return &c, nil
}

// ContactIDsOf returns the users userID has in their address book and has not blocked.
func (r *Repository) ContactIDsOf(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`SELECT contact_id FROM contacts WHERE user_id = $1 AND NOT blocked`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List returns userID's contacts with their public profiles.
func (r *Repository) List(ctx context.Context, userID uuid.UUID) ([]models.Contact, error) {
	rows, err := r.db.Query(ctx, contactSelect+` WHERE c.user_id = $1 ORDER BY u.username`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}

// Get returns one of userID's contacts.
func (r *Repository) Get(ctx context.Context, id, userID uuid.UUID) (*models.Contact, error) {
	return scanContact(r.db.QueryRow(ctx, contactSelect+` WHERE c.id = $1 AND c.user_id = $2`, id, userID))
}

// Add inserts a one-directional contact entry.
func (r *Repository) Add(ctx context.Context, userID, contactID uuid.UUID, nickname string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO contacts (user_id, contact_id, nickname) VALUES ($1, $2, NULLIF($3,'')) RETURNING id`,
		userID, contactID, nickname).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return uuid.Nil, ErrDuplicateContact
		}
		return uuid.Nil, fmt.Errorf("insert contact: %w", err)
	}
	return id, nil
}

// Update changes nickname and/or blocked. Nil fields are left unchanged; an
// empty nickname clears it.
func (r *Repository) Update(ctx context.Context, id, userID uuid.UUID, nickname *string, blocked *bool) error {
	setNick, nick := nickname != nil, ""
	if setNick {
		nick = *nickname
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE contacts SET nickname = CASE WHEN $3::boolean THEN NULLIF($4::text,'') ELSE nickname END,
		        blocked = COALESCE($5::boolean, blocked), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2`,
		id, userID, setNick, nick, blocked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// Delete removes a contact entry.
func (r *Repository) Delete(ctx context.Context, id, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM contacts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// AddMutual makes a and b contacts of each other. Existing entries are kept.
// db may be a transaction.
func AddMutual(ctx context.Context, db database.DB, a, b uuid.UUID) error {
	_, err := db.Exec(ctx,
		`INSERT INTO contacts (user_id, contact_id) VALUES ($1, $2), ($2, $1)
		 ON CONFLICT (user_id, contact_id) DO NOTHING`, a, b)
	if err != nil {
		return fmt.Errorf("insert mutual contacts: %w", err)
	}
	return nil
}

// maxSyncAddresses bounds one address-book sync request.
const maxSyncAddresses = 1000

// FindUsers returns the registered users whose username or email is among
// addresses. Emails compare case-insensitively.
func (r *Repository) FindUsers(ctx context.Context, addresses []string) ([]models.User, error) {
	lowered := make([]string, len(addresses))
	for i, a := range addresses {
		lowered[i] = strings.ToLower(a)
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, username, email, COALESCE(display_name,''), is_active, last_active_at
		 FROM users WHERE username = ANY($1) OR lower(email) = ANY($2)`, addresses, lowered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.IsActive, &u.LastActiveAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// matchAddresses returns the addresses that belong to one of users, in
// request order and without repeats.
func matchAddresses(addresses []string, users []models.User) []string {
	known := make(map[string]bool, 2*len(users))
	for _, u := range users {
		known[u.Username] = true
		known["mail:"+strings.ToLower(u.Email)] = true
	}
	seen := make(map[string]bool)
	matched := []string{}
	for _, a := range addresses {
		if seen[a] {
			continue
		}
		if known[a] || known["mail:"+strings.ToLower(a)] {
			seen[a] = true
			matched = append(matched, a)
		}
	}
	return matched
}
