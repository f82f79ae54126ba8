package users

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/middleware"
	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
	"github.com/onyxchat/backend/pkg/response"
)

const maxSearchResults = 50

// Directory is the user lookup the handler needs.
type Directory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	Search(ctx context.Context, q string, exclude uuid.UUID, limit int) ([]models.UserPublic, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, displayName string) (*models.User, error)
}

// OnlineChecker reports live connection state.
type OnlineChecker interface {
	IsOnline(userID uuid.UUID) bool
}

// Profile is a public user plus live presence.
type Profile struct {
	models.UserPublic
	IsOnline bool `json:"isOnline"`
}

// UpdateProfileRequest is the body for PATCH /auth/me.
type UpdateProfileRequest struct {
	DisplayName string `json:"display_name" binding:"max=100"`
}

// Handler serves user lookup endpoints.
type Handler struct {
	dir    Directory
	online OnlineChecker
	logger *zap.Logger
}

// NewHandler creates a users handler.
func NewHandler(dir Directory, online OnlineChecker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{dir: dir, online: online, logger: logger}
}

// Search handles GET /users?q=.
func (h *Handler) Search(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		response.BadRequest(c, "q is required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}
	list, err := h.dir.Search(c.Request.Context(), q, userID, limit)
	if err != nil {
		h.logger.Error("user search failed", zap.Error(err))
		response.Internal(c, "failed to search users")
		return
	}
	out := make([]Profile, 0, len(list))
	for _, u := range list {
		out = append(out, Profile{UserPublic: u, IsOnline: h.online.IsOnline(u.ID)})
	}
	response.OK(c, out)
}

// Get handles GET /users/:id.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	h.writeProfile(c, id)
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	h.writeProfile(c, c.MustGet(middleware.ContextUserID).(uuid.UUID))
}

// UpdateMe handles PATCH /auth/me.
func (h *Handler) UpdateMe(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	u, err := h.dir.UpdateProfile(c.Request.Context(), userID, strings.TrimSpace(req.DisplayName))
	if errors.Is(err, database.ErrNotFound) {
		response.NotFound(c, "user not found")
		return
	}
	if err != nil {
		h.logger.Error("update profile failed", zap.Error(err))
		response.Internal(c, "failed to update profile")
		return
	}
	response.OK(c, Profile{UserPublic: u.ToPublic(), IsOnline: h.online.IsOnline(u.ID)})
}

func (h *Handler) writeProfile(c *gin.Context, id uuid.UUID) {
	u, err := h.dir.GetByID(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		response.NotFound(c, "user not found")
		return
	}
	if err != nil {
		h.logger.Error("get user failed", zap.Error(err))
		response.Internal(c, "failed to get user")
		return
	}
	response.OK(c, Profile{UserPublic: u.ToPublic(), IsOnline: h.online.IsOnline(u.ID)})
}
