package friendrequests

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/middleware"
	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/internal/realtime"
	"github.com/onyxchat/backend/pkg/database"
	"github.com/onyxchat/backend/pkg/response"
)

// Notifier pushes frames to a user's live connections.
type Notifier interface {
	Send(userID uuid.UUID, f realtime.Frame) int
}

// UserLookup resolves the users involved in a request.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// CreateRequest is the body for POST /friend-requests.
type CreateRequest struct {
	RecipientID uuid.UUID `json:"recipient_id" binding:"required"`
	Message     string    `json:"message" binding:"max=500"`
}

// Event is the payload of FRIEND_REQUEST and FRIEND_REQUEST_ACCEPTED frames.
type Event struct {
	Request *models.FriendRequest `json:"request"`
	From    models.UserPublic     `json:"from"`
}

// Handler handles friend request HTTP endpoints.
type Handler struct {
	repo     *Repository
	users    UserLookup
	notifier Notifier
	logger   *zap.Logger
}

// NewHandler creates a friend request handler.
func NewHandler(repo *Repository, users UserLookup, notifier Notifier, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, users: users, notifier: notifier, logger: logger}
}

// List handles GET /friend-requests?direction=incoming|outgoing.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	incoming := true
	switch c.DefaultQuery("direction", "incoming") {
	case "incoming":
	case "outgoing":
		incoming = false
	default:
		response.BadRequest(c, "direction must be incoming or outgoing")
		return
	}
	list, err := h.repo.ListPending(c.Request.Context(), userID, incoming)
	if err != nil {
		h.logger.Error("list friend requests failed", zap.Error(err))
		response.Internal(c, "failed to list friend requests")
		return
	}
	response.OK(c, list)
}

// Users handles GET /friend-requests/users: other users tagged with their
// relation to the caller, paged by limit and offset.
func (h *Handler) Users(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	list, err := h.repo.Discover(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("list discoverable users failed", zap.Error(err))
		response.Internal(c, "failed to list users")
		return
	}
	response.Page(c, list, limit, offset, len(list))
}

// Create handles POST /friend-requests and notifies the recipient.
func (h *Handler) Create(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.RecipientID == userID {
		response.BadRequest(c, "cannot befriend yourself")
		return
	}
	ctx := c.Request.Context()
	if _, err := h.users.GetByID(ctx, req.RecipientID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "recipient not found")
			return
		}
		h.logger.Error("lookup recipient failed", zap.Error(err))
		response.Internal(c, "failed to create friend request")
		return
	}
	fr, err := h.repo.Create(ctx, userID, req.RecipientID, req.Message)
	if errors.Is(err, ErrDuplicateRequest) {
		response.Conflict(c, "friend request already pending")
		return
	}
	if err != nil {
		h.logger.Error("create friend request failed", zap.Error(err))
		response.Internal(c, "failed to create friend request")
		return
	}
	h.notify(ctx, fr.RecipientID, realtime.TypeFriendRequest, fr, userID)
	response.Created(c, fr)
}

// Accept handles PUT /friend-requests/:id/accept and notifies the sender.
func (h *Handler) Accept(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, ok := requestID(c)
	if !ok {
		return
	}
	fr, err := h.repo.Accept(c.Request.Context(), id, userID)
	if !h.resolved(c, err, "accept") {
		return
	}
	h.notify(c.Request.Context(), fr.SenderID, realtime.TypeFriendRequestAccepted, fr, userID)
	response.OK(c, fr)
}

// Reject handles PUT /friend-requests/:id/reject.
func (h *Handler) Reject(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, ok := requestID(c)
	if !ok {
		return
	}
	fr, err := h.repo.Reject(c.Request.Context(), id, userID)
	if !h.resolved(c, err, "reject") {
		return
	}
	response.OK(c, fr)
}

// Cancel handles DELETE /friend-requests/:id.
func (h *Handler) Cancel(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, ok := requestID(c)
	if !ok {
		return
	}
	err := h.repo.Cancel(c.Request.Context(), id, userID)
	if !h.resolved(c, err, "cancel") {
		return
	}
	response.NoContent(c)
}

func (h *Handler) resolved(c *gin.Context, err error, action string) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, database.ErrNotFound) {
		response.NotFound(c, "friend request not found")
		return false
	}
	h.logger.Error(action+" friend request failed", zap.Error(err))
	response.Internal(c, "failed to "+action+" friend request")
	return false
}

func (h *Handler) notify(ctx context.Context, to uuid.UUID, typ string, fr *models.FriendRequest, fromID uuid.UUID) {
	ev := Event{Request: fr, From: models.UserPublic{ID: fromID}}
	if u, err := h.users.GetByID(ctx, fromID); err == nil {
		ev.From = u.ToPublic()
	}
	h.notifier.Send(to, realtime.Frame{Type: typ, Data: ev})
}

func requestID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid friend request id")
		return uuid.Nil, false
	}
	return id, true
}
