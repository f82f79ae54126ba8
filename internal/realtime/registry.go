package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/observability"
)

// PresenceHandler is called after a user's first connection registers
// (online=true) or last connection deregisters (online=false). Calls for one
// user never overlap.
type PresenceHandler func(userID uuid.UUID, online bool)

// PresenceCluster tracks which server instances hold a user. Join reports
// whether the caller is the first instance, Leave whether it was the last.
type PresenceCluster interface {
	Join(ctx context.Context, userID uuid.UUID) (bool, error)
	Leave(ctx context.Context, userID uuid.UUID) (bool, error)
}

const clusterTimeout = 3 * time.Second

// transition serializes presence announcements for one user.
type transition struct {
	mu        sync.Mutex
	announced bool
	refs      int
}

// Fanout forwards user-addressed frames to other server instances.
type Fanout interface {
	PublishUserFrame(userID uuid.UUID, payload []byte) error
}

// Registry maps user IDs to their live connections. A user is present in the
// map iff they hold at least one connection.
type Registry struct {
	mu          sync.Mutex
	users       map[uuid.UUID][]*Connection
	transitions map[uuid.UUID]*transition
	onPresence  PresenceHandler
	fanout      Fanout
	cluster     PresenceCluster
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		users:       make(map[uuid.UUID][]*Connection),
		transitions: make(map[uuid.UUID]*transition),
		metrics:     metrics,
		logger:      logger,
	}
}

// SetPresenceHandler installs the online/offline callback. Call before serving.
func (r *Registry) SetPresenceHandler(fn PresenceHandler) {
	r.mu.Lock()
	r.onPresence = fn
	r.mu.Unlock()
}

// SetFanout enables cross-instance delivery. Call before serving.
func (r *Registry) SetFanout(f Fanout) {
	r.mu.Lock()
	r.fanout = f
	r.mu.Unlock()
}

// SetCluster makes presence announcements cluster-wide: online is only
// announced by the first instance to hold the user and offline by the last.
// Call before serving.
func (r *Registry) SetCluster(c PresenceCluster) {
	r.mu.Lock()
	r.cluster = c
	r.mu.Unlock()
}

// Register adds c to its user's set and reports whether it was the first one.
func (r *Registry) Register(c *Connection) bool {
	r.mu.Lock()
	first := len(r.users[c.UserID]) == 0
	r.users[c.UserID] = append(r.users[c.UserID], c)
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.logger.Debug("connection registered",
		zap.String("user_id", c.UserID.String()),
		zap.String("connection_id", c.ID))
	r.settle(c.UserID)
	return first
}

// Deregister removes the connection and reports whether it was the user's last.
// Unknown connections are ignored.
func (r *Registry) Deregister(userID uuid.UUID, connID string) bool {
	r.mu.Lock()
	conns := r.users[userID]
	idx := -1
	for i, c := range conns {
		if c.ID == connID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	conns = append(conns[:idx:idx], conns[idx+1:]...)
	last := len(conns) == 0
	if last {
		delete(r.users, userID)
	} else {
		r.users[userID] = conns
	}
	r.mu.Unlock()

	r.metrics.ConnectionClosed()
	r.logger.Debug("connection deregistered",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", connID))
	r.settle(userID)
	return last
}

// settle brings the announced presence of userID in line with its current
// connections. Announcements for one user never overlap, so the handler sees
// alternating states and the last one it sees matches the registry.
func (r *Registry) settle(userID uuid.UUID) {
	r.mu.Lock()
	t := r.transitions[userID]
	if t == nil {
		t = &transition{}
		r.transitions[userID] = t
	}
	t.refs++
	r.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if online := r.IsOnline(userID); online != t.announced {
		t.announced = online
		r.announce(userID, online)
	}

	r.mu.Lock()
	t.refs--
	if t.refs == 0 && !t.announced {
		delete(r.transitions, userID)
	}
	r.mu.Unlock()
}

func (r *Registry) announce(userID uuid.UUID, online bool) {
	r.mu.Lock()
	onPresence, cluster := r.onPresence, r.cluster
	r.mu.Unlock()

	if cluster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), clusterTimeout)
		var (
			edge bool
			err  error
		)
		if online {
			edge, err = cluster.Join(ctx, userID)
		} else {
			edge, err = cluster.Leave(ctx, userID)
		}
		cancel()
		if err != nil {
			// fall back to this instance's view
			r.logger.Warn("presence cluster unavailable", zap.String("user_id", userID.String()), zap.Error(err))
			edge = true
		}
		if !edge {
			r.logger.Debug("presence held by another instance",
				zap.String("user_id", userID.String()), zap.Bool("online", online))
			return
		}
	}
	if onPresence != nil {
		onPresence(userID, online)
	}
}

// Send delivers f to every open local connection of userID and returns how
// many accepted it. With a fanout configured the frame is also published for
// other instances.
func (r *Registry) Send(userID uuid.UUID, f Frame) int {
	b, err := f.encode()
	if err != nil {
		r.logger.Error("encode frame", zap.String("type", f.Type), zap.Error(err))
		return 0
	}
	n := r.deliverLocal(userID, b)

	r.mu.Lock()
	fanout := r.fanout
	r.mu.Unlock()
	if fanout != nil {
		if err := fanout.PublishUserFrame(userID, b); err != nil {
			r.logger.Warn("fanout publish failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	return n
}

// deliverLocal writes an encoded frame to this instance's connections only.
func (r *Registry) deliverLocal(userID uuid.UUID, payload []byte) int {
	r.mu.Lock()
	conns := append([]*Connection(nil), r.users[userID]...)
	r.mu.Unlock()

	n := 0
	for _, c := range conns {
		if c.enqueue(payload) {
			n++
		}
	}
	r.metrics.FramesDelivered(n)
	return n
}

// IsOnline reports whether the user has a connection on this instance.
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users[userID]) > 0
}

// UserConnections returns a copy of the user's connections.
func (r *Registry) UserConnections(userID uuid.UUID) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Connection(nil), r.users[userID]...)
}

// Connections returns a snapshot of all connections.
func (r *Registry) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Connection
	for _, conns := range r.users {
		all = append(all, conns...)
	}
	return all
}

// OnlineUsers returns the number of users with at least one connection.
func (r *Registry) OnlineUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}
