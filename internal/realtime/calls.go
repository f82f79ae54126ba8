package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/models"
)

const persistTimeout = 5 * time.Second

// CallState is the state of a pending call.
type CallState string

const (
	CallRinging   CallState = "ringing"
	CallActive    CallState = "active"
	CallRejected  CallState = "rejected"
	CallCompleted CallState = "completed"
	CallTimedOut  CallState = "timed-out"
	CallCanceled  CallState = "canceled"
)

// call_failed reasons.
const (
	ReasonInvalidRecipient = "invalid_recipient"
	ReasonAlreadyInCall    = "already_in_call"
	ReasonCallNotFound     = "call_not_found"
	ReasonInvalidState     = "invalid_state"
)

// PendingCall is one call negotiation from request to terminal state.
type PendingCall struct {
	ID          uuid.UUID
	CallerID    uuid.UUID
	RecipientID uuid.UUID
	Kind        models.MediaKind
	State       CallState
	StartedAt   time.Time
	AnsweredAt  *time.Time
	EndedAt     *time.Time

	timer *time.Timer
}

// Duration is end minus start, or zero while the call is open.
func (p *PendingCall) Duration() time.Duration {
	if p.EndedAt == nil {
		return 0
	}
	if d := p.EndedAt.Sub(p.StartedAt); d > 0 {
		return d
	}
	return 0
}

func (p *PendingCall) involves(userID uuid.UUID) bool {
	return p.CallerID == userID || p.RecipientID == userID
}

// PeerOf returns the other participant.
func (p *PendingCall) PeerOf(userID uuid.UUID) uuid.UUID {
	if p.CallerID == userID {
		return p.RecipientID
	}
	return p.CallerID
}

// CallCoordinator owns the pending call table. A user is party to at most
// one non-terminal call.
type CallCoordinator struct {
	mu     sync.Mutex
	calls  map[uuid.UUID]*PendingCall
	byUser map[uuid.UUID]uuid.UUID

	registry    *Registry
	store       CallStore
	stats       *CallStats
	ringTimeout time.Duration
	iceServers  []webrtc.ICEServer
	logger      *zap.Logger
	now         func() time.Time
}

// NewCallCoordinator creates a coordinator. iceServers is sent with every
// incoming_call and call_ringing frame.
func NewCallCoordinator(registry *Registry, store CallStore, stats *CallStats, ringTimeout time.Duration, iceServers []webrtc.ICEServer, logger *zap.Logger) *CallCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = NewCallStats(nil)
	}
	return &CallCoordinator{
		calls:       make(map[uuid.UUID]*PendingCall),
		byUser:      make(map[uuid.UUID]uuid.UUID),
		registry:    registry,
		store:       store,
		stats:       stats,
		ringTimeout: ringTimeout,
		iceServers:  iceServers,
		logger:      logger,
		now:         time.Now,
	}
}

// Stats returns the aggregate counters.
func (c *CallCoordinator) Stats() *CallStats {
	return c.stats
}

// ICEServers returns the configured STUN/TURN servers.
func (c *CallCoordinator) ICEServers() []webrtc.ICEServer {
	return c.iceServers
}

// Lookup returns a copy of the user's non-terminal call, if any.
func (c *CallCoordinator) Lookup(userID uuid.UUID) (PendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byUser[userID]
	if !ok {
		return PendingCall{}, false
	}
	pc := *c.calls[id]
	pc.timer = nil
	return pc, true
}

// Request starts ringing recipientID. A busy recipient gets no entry and the
// caller receives call_busy.
func (c *CallCoordinator) Request(callerID, recipientID uuid.UUID, isVideo bool) {
	if callerID == recipientID {
		c.fail(callerID, uuid.Nil, ReasonInvalidRecipient)
		return
	}
	kind := models.MediaAudio
	if isVideo {
		kind = models.MediaVideo
	}

	c.mu.Lock()
	if _, busy := c.byUser[callerID]; busy {
		c.mu.Unlock()
		c.fail(callerID, uuid.Nil, ReasonAlreadyInCall)
		return
	}
	if _, busy := c.byUser[recipientID]; busy {
		c.mu.Unlock()
		c.registry.Send(callerID, Frame{Type: TypeCallBusy, Data: map[string]any{"recipientId": recipientID}})
		return
	}
	pc := &PendingCall{
		ID:          uuid.New(),
		CallerID:    callerID,
		RecipientID: recipientID,
		Kind:        kind,
		State:       CallRinging,
		StartedAt:   c.now(),
	}
	c.calls[pc.ID] = pc
	c.byUser[callerID] = pc.ID
	c.byUser[recipientID] = pc.ID
	id := pc.ID
	pc.timer = time.AfterFunc(c.ringTimeout, func() { c.expire(id) })
	c.mu.Unlock()

	c.logger.Info("call ringing",
		zap.String("call_id", id.String()),
		zap.String("caller_id", callerID.String()),
		zap.String("recipient_id", recipientID.String()),
		zap.String("kind", string(kind)))
	c.registry.Send(recipientID, Frame{Type: TypeIncomingCall, Data: map[string]any{
		"callId":     id,
		"callerId":   callerID,
		"isVideo":    isVideo,
		"iceServers": c.iceServers,
	}})
	c.registry.Send(callerID, Frame{Type: TypeCallRinging, Data: map[string]any{
		"callId":      id,
		"recipientId": recipientID,
		"isVideo":     isVideo,
		"iceServers":  c.iceServers,
	}})
}

// expire is the ring timer. It is a no-op unless the call is still ringing.
func (c *CallCoordinator) expire(id uuid.UUID) {
	c.mu.Lock()
	pc, ok := c.calls[id]
	if !ok || pc.State != CallRinging {
		c.mu.Unlock()
		return
	}
	c.finishLocked(pc, CallTimedOut)
	c.mu.Unlock()

	c.stats.Missed(string(models.CallMissed))
	frame := Frame{Type: TypeCallTimeout, Data: map[string]any{
		"callId":      pc.ID,
		"callerId":    pc.CallerID,
		"recipientId": pc.RecipientID,
	}}
	c.registry.Send(pc.CallerID, frame)
	c.registry.Send(pc.RecipientID, frame)
	c.persist(pc, models.CallMissed, 0)
}

// Respond applies the recipient's answer to a ringing call.
func (c *CallCoordinator) Respond(userID, callID uuid.UUID, accepted bool) {
	c.mu.Lock()
	pc, ok := c.calls[callID]
	if !ok || pc.RecipientID != userID {
		c.mu.Unlock()
		c.fail(userID, callID, ReasonCallNotFound)
		return
	}
	if pc.State != CallRinging {
		c.mu.Unlock()
		c.fail(userID, callID, ReasonInvalidState)
		return
	}
	pc.timer.Stop()

	if accepted {
		now := c.now()
		pc.State = CallActive
		pc.AnsweredAt = &now
		c.mu.Unlock()

		c.logger.Info("call accepted", zap.String("call_id", callID.String()))
		c.registry.Send(pc.CallerID, Frame{Type: TypeCallAccepted, Data: map[string]any{
			"callId":      callID,
			"recipientId": userID,
			"accepted":    true,
		}})
		c.registry.Send(userID, Frame{Type: TypeCallAnswered, Data: map[string]any{
			"callId":   callID,
			"accepted": true,
		}})
		return
	}

	c.finishLocked(pc, CallRejected)
	c.mu.Unlock()

	c.stats.Missed(string(models.CallRejected))
	c.registry.Send(pc.CallerID, Frame{Type: TypeCallRejected, Data: map[string]any{
		"callId":      callID,
		"recipientId": userID,
	}})
	c.registry.Send(userID, Frame{Type: TypeCallAnswered, Data: map[string]any{
		"callId":   callID,
		"accepted": false,
	}})
	c.persist(pc, models.CallRejected, pc.Duration())
}

// End terminates a call by either party. When callID is nil the user's
// current call is used, provided it involves peerID.
func (c *CallCoordinator) End(userID, callID, peerID uuid.UUID) {
	c.mu.Lock()
	if callID == uuid.Nil {
		callID = c.byUser[userID]
	}
	pc, ok := c.calls[callID]
	if !ok || !pc.involves(userID) || (peerID != uuid.Nil && pc.PeerOf(userID) != peerID) {
		c.mu.Unlock()
		c.fail(userID, callID, ReasonCallNotFound)
		return
	}
	c.endLocked(pc, userID)
}

// HandleDisconnect ends the call of a user whose last connection went away.
func (c *CallCoordinator) HandleDisconnect(userID uuid.UUID) {
	c.mu.Lock()
	id, ok := c.byUser[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.endLocked(c.calls[id], userID)
}

// endLocked is entered with c.mu held and releases it.
func (c *CallCoordinator) endLocked(pc *PendingCall, userID uuid.UUID) {
	state := CallCanceled
	if pc.State == CallActive {
		state = CallCompleted
	}
	c.finishLocked(pc, state)
	c.mu.Unlock()

	d := pc.Duration()
	status := models.CallCanceled
	if state == CallCompleted {
		status = models.CallCompleted
		c.stats.Completed(d)
	} else {
		c.stats.Missed(string(status))
	}

	c.logger.Info("call ended",
		zap.String("call_id", pc.ID.String()),
		zap.String("state", string(state)),
		zap.Duration("duration", d))
	c.registry.Send(pc.PeerOf(userID), Frame{Type: TypeCallEnded, Data: map[string]any{
		"callId":   pc.ID,
		"from":     userID,
		"duration": int64(d.Seconds()),
	}})
	c.persist(pc, status, d)
}

// finishLocked moves pc to a terminal state and drops it from the table.
func (c *CallCoordinator) finishLocked(pc *PendingCall, state CallState) {
	if pc.timer != nil {
		pc.timer.Stop()
	}
	now := c.now()
	pc.State = state
	pc.EndedAt = &now
	delete(c.calls, pc.ID)
	if c.byUser[pc.CallerID] == pc.ID {
		delete(c.byUser, pc.CallerID)
	}
	if c.byUser[pc.RecipientID] == pc.ID {
		delete(c.byUser, pc.RecipientID)
	}
}

// Signal forwards an offer, answer or ICE candidate with the sender attached.
// No call state is consulted.
func (c *CallCoordinator) Signal(senderID uuid.UUID, f SignalFrame) int {
	data := make(map[string]any, len(f.Payload)+1)
	for k, v := range f.Payload {
		data[k] = v
	}
	data["from"] = senderID
	return c.registry.Send(f.TargetID, Frame{Type: f.Kind, Data: data})
}

// Close stops all ring timers. Pending calls are dropped without records.
func (c *CallCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pc := range c.calls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		delete(c.calls, id)
	}
	c.byUser = make(map[uuid.UUID]uuid.UUID)
}

func (c *CallCoordinator) fail(userID, callID uuid.UUID, reason string) {
	data := map[string]any{"reason": reason}
	if callID != uuid.Nil {
		data["callId"] = callID
	}
	c.registry.Send(userID, Frame{Type: TypeCallFailed, Data: data})
}

// persist writes the terminal record. Failures are logged only.
func (c *CallCoordinator) persist(pc *PendingCall, status models.CallStatus, d time.Duration) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	rec := &models.CallRecord{
		ID:              pc.ID,
		CallerID:        pc.CallerID,
		RecipientID:     pc.RecipientID,
		MediaKind:       pc.Kind,
		Status:          status,
		StartedAt:       pc.StartedAt,
		EndedAt:         pc.EndedAt,
		DurationSeconds: int64(d.Seconds()),
	}
	if err := c.store.Create(ctx, rec); err != nil {
		c.logger.Error("persist call record failed",
			zap.String("call_id", pc.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
