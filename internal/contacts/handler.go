package contacts

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/middleware"
	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
	"github.com/onyxchat/backend/pkg/response"
)

// AddRequest is the body for POST /contacts.
type AddRequest struct {
	ContactID uuid.UUID `json:"contact_id" binding:"required"`
	Nickname  string    `json:"nickname" binding:"max=100"`
}

// PatchRequest is the body for PATCH /contacts/:id.
type PatchRequest struct {
	Nickname *string `json:"nickname" binding:"omitempty,max=100"`
	Blocked  *bool   `json:"blocked"`
}

// SyncRequest is the body for POST /contacts/sync.
type SyncRequest struct {
	Contacts []string `json:"contacts" binding:"required"`
}

// SyncResult lists which address-book entries belong to registered users.
type SyncResult struct {
	AppUsers []string            `json:"app_users"`
	Users    []models.UserPublic `json:"users"`
}

// Handler handles contact HTTP endpoints.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a contacts handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// List handles GET /contacts.
func (h *Handler) List(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.repo.List(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list contacts failed", zap.Error(err))
		response.Internal(c, "failed to list contacts")
		return
	}
	response.OK(c, list)
}

// Add handles POST /contacts.
func (h *Handler) Add(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.ContactID == userID {
		response.BadRequest(c, "cannot add yourself")
		return
	}
	ctx := c.Request.Context()
	id, err := h.repo.Add(ctx, userID, req.ContactID, req.Nickname)
	if errors.Is(err, ErrDuplicateContact) {
		response.Conflict(c, "contact already exists")
		return
	}
	if err != nil {
		h.logger.Error("add contact failed", zap.Error(err))
		response.Internal(c, "failed to add contact")
		return
	}
	contact, err := h.repo.Get(ctx, id, userID)
	if err != nil {
		h.logger.Error("load contact failed", zap.Error(err))
		response.Internal(c, "failed to load contact")
		return
	}
	response.Created(c, contact)
}

// Patch handles PATCH /contacts/:id.
func (h *Handler) Patch(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid contact id")
		return
	}
	var req PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := h.repo.Update(ctx, id, userID, req.Nickname, req.Blocked); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "contact not found")
			return
		}
		h.logger.Error("update contact failed", zap.Error(err))
		response.Internal(c, "failed to update contact")
		return
	}
	contact, err := h.repo.Get(ctx, id, userID)
	if err != nil {
		response.Internal(c, "failed to load contact")
		return
	}
	response.OK(c, contact)
}

// Delete handles DELETE /contacts/:id.
func (h *Handler) Delete(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid contact id")
		return
	}
	if err := h.repo.Delete(c.Request.Context(), id, userID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.NotFound(c, "contact not found")
			return
		}
		h.logger.Error("delete contact failed", zap.Error(err))
		response.Internal(c, "failed to delete contact")
		return
	}
	response.NoContent(c)
}

// Sync handles POST /contacts/sync: the client sends usernames or emails from
// its address book and learns which of them are registered.
func (h *Handler) Sync(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if len(req.Contacts) > maxSyncAddresses {
		response.BadRequest(c, "too many contacts in one sync")
		return
	}
	res := SyncResult{AppUsers: []string{}, Users: []models.UserPublic{}}
	if len(req.Contacts) == 0 {
		response.OK(c, res)
		return
	}
	users, err := h.repo.FindUsers(c.Request.Context(), req.Contacts)
	if err != nil {
		h.logger.Error("contact sync failed", zap.Error(err))
		response.Internal(c, "failed to sync contacts")
		return
	}
	for i := range users {
		if users[i].ID != userID {
			res.Users = append(res.Users, users[i].ToPublic())
		}
	}
	res.AppUsers = matchAddresses(req.Contacts, users)
	h.logger.Debug("contacts synced",
		zap.String("user_id", userID.String()),
		zap.Int("submitted", len(req.Contacts)),
		zap.Int("matched", len(res.AppUsers)))
	response.OK(c, res)
}
