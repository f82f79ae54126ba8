package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
)

type fakeUsers struct {
	mu     sync.Mutex
	users  map[uuid.UUID]*models.User
	active map[uuid.UUID]bool
	err    error
}

func newFakeUsers(users ...*models.User) *fakeUsers {
	f := &fakeUsers{users: make(map[uuid.UUID]*models.User), active: make(map[uuid.UUID]bool)}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) GetByUsernameOrEmail(_ context.Context, address string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Username, address) || strings.EqualFold(u.Email, address) {
			return u, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeUsers) SetActiveStatus(_ context.Context, id uuid.UUID, active bool, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[id] = active
	return nil
}

func (f *fakeUsers) isActive(id uuid.UUID) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.active[id]
	return v, ok
}

type fakeMessages struct {
	mu        sync.Mutex
	msgs      map[uuid.UUID]*models.Message
	createErr error
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{msgs: make(map[uuid.UUID]*models.Message)}
}

func (f *fakeMessages) Create(_ context.Context, senderID, recipientID uuid.UUID, content string, ct models.ContentType, encrypted bool) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	now := time.Now()
	m := &models.Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		ContentType: ct,
		Encrypted:   encrypted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.msgs[m.ID] = m
	return m, nil
}

func (f *fakeMessages) mark(id, recipientID uuid.UUID, apply func(*models.Message, time.Time)) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[id]
	if !ok || m.RecipientID != recipientID {
		return nil, database.ErrNotFound
	}
	apply(m, time.Now())
	cp := *m
	return &cp, nil
}

func (f *fakeMessages) MarkRead(_ context.Context, id, recipientID uuid.UUID) (*models.Message, error) {
	return f.mark(id, recipientID, func(m *models.Message, at time.Time) {
		m.Read, m.ReadAt = true, &at
	})
}

func (f *fakeMessages) MarkReceived(_ context.Context, id, recipientID uuid.UUID) (*models.Message, error) {
	return f.mark(id, recipientID, func(m *models.Message, at time.Time) {
		m.Received, m.ReceivedAt = true, &at
	})
}

func (f *fakeMessages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakeContacts struct {
	of  map[uuid.UUID][]uuid.UUID
	err error
}

func (f *fakeContacts) ContactIDsOf(_ context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.of[userID], nil
}

type fakeCallStore struct {
	mu      sync.Mutex
	records []models.CallRecord
	err     error
}

func (f *fakeCallStore) Create(_ context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeCallStore) all() []models.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CallRecord(nil), f.records...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newUser(name string) *models.User {
	return &models.User{ID: uuid.New(), Username: name, Email: name + "@example.com"}
}

// testFrame is an outbound frame as a client sees it.
type testFrame struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

func newTestConn(userID uuid.UUID) *Connection {
	return newConnection(userID, nil, 32)
}

func nextFrame(t *testing.T, c *Connection) testFrame {
	t.Helper()
	select {
	case b := <-c.send:
		var f testFrame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("decode frame %s: %v", b, err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for connection %s", c.ID)
	}
	return testFrame{}
}

func drainFrames(c *Connection) []testFrame {
	var out []testFrame
	for {
		select {
		case b := <-c.send:
			var f testFrame
			_ = json.Unmarshal(b, &f)
			out = append(out, f)
		default:
			return out
		}
	}
}

func framesOfType(frames []testFrame, typ string) []testFrame {
	var out []testFrame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}
