package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const presenceTimeout = 5 * time.Second

// UserStatus is the USER_STATUS payload.
type UserStatus struct {
	UserID    uuid.UUID `json:"userId"`
	IsOnline  bool      `json:"isOnline"`
	Timestamp int64     `json:"timestamp"`
}

// Presence persists online transitions and tells the user's contacts about them.
type Presence struct {
	users    UserStore
	contacts ContactStore
	registry *Registry
	logger   *zap.Logger
	now      func() time.Time
}

// NewPresence creates the presence notifier.
func NewPresence(users UserStore, contacts ContactStore, registry *Registry, logger *zap.Logger) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{users: users, contacts: contacts, registry: registry, logger: logger, now: time.Now}
}

// Notify records the transition and pushes USER_STATUS to each connected contact.
// Store failures are logged; fan-out is best effort.
func (p *Presence) Notify(userID uuid.UUID, online bool) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	at := p.now()
	if err := p.users.SetActiveStatus(ctx, userID, online, at); err != nil {
		p.logger.Warn("persist presence failed", zap.String("user_id", userID.String()), zap.Error(err))
	}

	contacts, err := p.contacts.ContactIDsOf(ctx, userID)
	if err != nil {
		p.logger.Warn("load contacts for presence failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}

	frame := Frame{Type: TypeUserStatus, Data: UserStatus{UserID: userID, IsOnline: online, Timestamp: at.UnixMilli()}}
	notified := 0
	for _, id := range contacts {
		notified += p.registry.Send(id, frame)
	}
	p.logger.Debug("presence broadcast",
		zap.String("user_id", userID.String()),
		zap.Bool("online", online),
		zap.Int("connections", notified))
}
