package messages

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/middleware"
	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/internal/realtime"
	"github.com/onyxchat/backend/pkg/database"
	"github.com/onyxchat/backend/pkg/queue"
	"github.com/onyxchat/backend/pkg/response"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// MediaLookup resolves the media object a media message points at.
type MediaLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Media, error)
}

// CleanupQueue schedules removal of media objects.
type CleanupQueue interface {
	EnqueueMediaDelete(ctx context.Context, payload queue.MediaDeletePayload) error
}

// CreateRequest is the body for POST /messages.
type CreateRequest struct {
	RecipientID uuid.UUID          `json:"recipient_id" binding:"required"`
	Content     string             `json:"content" binding:"required"`
	ContentType models.ContentType `json:"content_type"`
	Encrypted   *bool              `json:"encrypted"`
}

// Handler handles message HTTP endpoints.
type Handler struct {
	repo    *Repository
	relay   *realtime.Relay
	media   MediaLookup
	cleanup CleanupQueue
	logger  *zap.Logger
}

// NewHandler creates a message handler. media and cleanup may be nil when
// media cleanup is disabled.
func NewHandler(repo *Repository, relay *realtime.Relay, media MediaLookup, cleanup CleanupQueue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, relay: relay, media: media, cleanup: cleanup, logger: logger}
}

// List handles GET /messages.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	limit, offset := paging(c)
	list, err := h.repo.ListForUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("list messages failed", zap.Error(err))
		response.Internal(c, "failed to list messages")
		return
	}
	response.Page(c, list, limit, offset, len(list))
}

// Conversation handles GET /messages/with/:userId?before=RFC3339&limit=N.
func (h *Handler) Conversation(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	otherID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	before := time.Now().Add(time.Second)
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			response.BadRequest(c, "invalid before cursor")
			return
		}
		before = t
	}
	limit, _ := paging(c)
	list, err := h.repo.Conversation(c.Request.Context(), userID, otherID, before, limit)
	if err != nil {
		h.logger.Error("load conversation failed", zap.Error(err))
		response.Internal(c, "failed to load conversation")
		return
	}
	response.Page(c, list, limit, 0, len(list))
}

// Get handles GET /messages/:id. Only the sender and recipient may read it.
func (h *Handler) Get(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid message id")
		return
	}
	m, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil || (m.SenderID != userID && m.RecipientID != userID) {
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			h.logger.Error("get message failed", zap.Error(err))
			response.Internal(c, "failed to get message")
			return
		}
		response.NotFound(c, "message not found")
		return
	}
	response.OK(c, m)
}

// Create handles POST /messages. Messages are encrypted unless stated otherwise.
func (h *Handler) Create(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.ContentType != "" && !req.ContentType.Valid() {
		response.BadRequest(c, "unsupported content_type")
		return
	}
	encrypted := true
	if req.Encrypted != nil {
		encrypted = *req.Encrypted
	}

	msg, err := h.relay.Send(c.Request.Context(), realtime.OutgoingMessage{
		SenderID:    userID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		ContentType: req.ContentType,
		Encrypted:   encrypted,
	})
	if errors.Is(err, realtime.ErrRecipientNotFound) {
		response.NotFound(c, "recipient not found")
		return
	}
	if err != nil {
		h.logger.Error("send message failed", zap.Error(err))
		response.Internal(c, "failed to send message")
		return
	}
	response.Created(c, msg)
}

// MarkReceived handles PUT /messages/:id/received.
func (h *Handler) MarkReceived(c *gin.Context) {
	h.receipt(c, h.relay.MarkReceived)
}

// MarkRead handles PUT /messages/:id/read.
func (h *Handler) MarkRead(c *gin.Context) {
	h.receipt(c, h.relay.MarkRead)
}

func (h *Handler) receipt(c *gin.Context, mark func(context.Context, uuid.UUID, uuid.UUID) (*models.Message, error)) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid message id")
		return
	}
	msg, err := mark(c.Request.Context(), userID, id)
	if errors.Is(err, realtime.ErrMessageNotFound) {
		response.NotFound(c, "message not found")
		return
	}
	if err != nil {
		h.logger.Error("update receipt failed", zap.Error(err))
		response.Internal(c, "failed to update message")
		return
	}
	response.OK(c, msg)
}

// Delete handles DELETE /messages/:id. Only the sender may delete; the media
// object behind a media message is removed asynchronously.
func (h *Handler) Delete(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid message id")
		return
	}
	ctx := c.Request.Context()
	msg, err := h.repo.SoftDelete(ctx, id, userID)
	if errors.Is(err, database.ErrNotFound) {
		response.NotFound(c, "message not found")
		return
	}
	if err != nil {
		h.logger.Error("delete message failed", zap.Error(err))
		response.Internal(c, "failed to delete message")
		return
	}
	h.scheduleMediaCleanup(ctx, msg)
	response.NoContent(c)
}

// scheduleMediaCleanup enqueues deletion when the message content names a
// media object owned by the sender. Failures are logged only.
func (h *Handler) scheduleMediaCleanup(ctx context.Context, msg *models.Message) {
	if h.media == nil || h.cleanup == nil || !msg.ContentType.IsMedia() {
		return
	}
	mediaID, err := uuid.Parse(msg.Content)
	if err != nil {
		return
	}
	m, err := h.media.GetByID(ctx, mediaID)
	if err != nil || m.OwnerID != msg.SenderID {
		return
	}
	if err := h.cleanup.EnqueueMediaDelete(ctx, queue.MediaDeletePayload{MediaID: m.ID, S3Key: m.S3Key}); err != nil {
		h.logger.Warn("enqueue media cleanup failed", zap.String("media_id", m.ID.String()), zap.Error(err))
	}
}

func paging(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, _ = strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
