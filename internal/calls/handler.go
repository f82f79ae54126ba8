package calls

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/middleware"
	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/internal/realtime"
	"github.com/onyxchat/backend/pkg/response"
)

// ActiveCall is the caller's in-progress call as seen over HTTP.
type ActiveCall struct {
	CallID    uuid.UUID          `json:"callId"`
	PeerID    uuid.UUID          `json:"peerId"`
	State     realtime.CallState `json:"state"`
	IsVideo   bool               `json:"isVideoCall"`
	StartedAt int64              `json:"startedAt"`
}

// Handler serves call history, statistics and ICE configuration.
type Handler struct {
	repo   *Repository
	calls  *realtime.CallCoordinator
	logger *zap.Logger
}

// NewHandler creates a calls handler.
func NewHandler(repo *Repository, calls *realtime.CallCoordinator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, calls: calls, logger: logger}
}

// History handles GET /calls.
func (h *Handler) History(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}
	list, err := h.repo.ListForUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("list calls failed", zap.Error(err))
		response.Internal(c, "failed to list calls")
		return
	}
	response.Page(c, list, limit, offset, len(list))
}

// Stats handles GET /calls/stats. Counters cover this process since start.
func (h *Handler) Stats(c *gin.Context) {
	response.OK(c, h.calls.Stats().Snapshot())
}

// ICEServers handles GET /calls/ice-servers.
func (h *Handler) ICEServers(c *gin.Context) {
	response.OK(c, gin.H{"iceServers": h.calls.ICEServers()})
}

// Active handles GET /calls/active.
func (h *Handler) Active(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	pc, ok := h.calls.Lookup(userID)
	if !ok {
		response.NotFound(c, "no active call")
		return
	}
	response.OK(c, ActiveCall{
		CallID:    pc.ID,
		PeerID:    pc.PeerOf(userID),
		State:     pc.State,
		IsVideo:   pc.Kind == models.MediaVideo,
		StartedAt: pc.StartedAt.UnixMilli(),
	})
}
