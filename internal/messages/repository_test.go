package messages

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
)

var messageCols = []string{"id", "sender_id", "recipient_id", "content", "content_type", "encrypted",
	"received", "received_at", "read", "read_at", "deleted", "created_at", "updated_at"}

func messageRow(rows *pgxmock.Rows, id, sender, recipient uuid.UUID, content string, ct models.ContentType, read bool) *pgxmock.Rows {
	now := time.Now().UTC()
	var readAt *time.Time
	if read {
		readAt = &now
	}
	return rows.AddRow(id, sender, recipient, content, ct, true, read, readAt, read, readAt, false, now, now)
}

func TestCreateMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	id, alice, bob := uuid.New(), uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs(alice, bob, "ciphertext", models.ContentText, true).
		WillReturnRows(messageRow(pgxmock.NewRows(messageCols), id, alice, bob, "ciphertext", models.ContentText, false))

	m, err := NewRepository(mock).Create(context.Background(), alice, bob, "ciphertext", models.ContentText, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.ID != id || m.SenderID != alice || m.RecipientID != bob || !m.Encrypted || m.Read {
		t.Fatalf("unexpected message %+v", m)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkReadWrongRecipient(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	id, other := uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND recipient_id = $2 AND NOT deleted")).
		WithArgs(id, other).
		WillReturnError(pgx.ErrNoRows)

	_, err = NewRepository(mock).MarkRead(context.Background(), id, other)
	if !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkReadSetsReceived(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	id, alice, bob := uuid.New(), uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("SET read = TRUE")).
		WithArgs(id, bob).
		WillReturnRows(messageRow(pgxmock.NewRows(messageCols), id, alice, bob, "hi", models.ContentText, true))

	m, err := NewRepository(mock).MarkRead(context.Background(), id, bob)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if !m.Read || !m.Received || m.ReadAt == nil {
		t.Fatalf("expected read and received, got %+v", m)
	}
}

func TestConversation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	alice, bob := uuid.New(), uuid.New()
	before := time.Now().UTC()
	rows := pgxmock.NewRows(messageCols)
	messageRow(rows, uuid.New(), bob, alice, "second", models.ContentText, false)
	messageRow(rows, uuid.New(), alice, bob, "first", models.ContentText, true)
	mock.ExpectQuery(regexp.QuoteMeta("AND NOT deleted AND created_at < $3")).
		WithArgs(alice, bob, before, 20).
		WillReturnRows(rows)

	list, err := NewRepository(mock).Conversation(context.Background(), alice, bob, before, 20)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(list) != 2 || list[0].Content != "second" || list[1].Content != "first" {
		t.Fatalf("unexpected conversation %+v", list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListForUserEmpty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	alice := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE (sender_id = $1 OR recipient_id = $1)")).
		WithArgs(alice, 50, 0).
		WillReturnRows(pgxmock.NewRows(messageCols))

	list, err := NewRepository(mock).ListForUser(context.Background(), alice, 50, 0)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", list)
	}
}

func TestSoftDeleteOnlySender(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	id, bob := uuid.New(), uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("SET deleted = TRUE")).
		WithArgs(id, bob).
		WillReturnError(pgx.ErrNoRows)

	_, err = NewRepository(mock).SoftDelete(context.Background(), id, bob)
	if !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
