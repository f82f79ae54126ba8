package keys

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/middleware"
	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
	"github.com/onyxchat/backend/pkg/response"
)

const maxPrekeysPerUpload = 100

// Store is the persistence used by Handler.
type Store interface {
	UpsertBundle(ctx context.Context, b *models.KeyBundle) (bool, error)
	GetBundle(ctx context.Context, userID uuid.UUID) (*models.KeyBundle, error)
	AddPrekeys(ctx context.Context, userID uuid.UUID, prekeys []models.OneTimePrekey) ([]models.OneTimePrekey, error)
	ClaimPrekey(ctx context.Context, userID uuid.UUID) (*models.OneTimePrekey, error)
	CountUnused(ctx context.Context, userID uuid.UUID) (int, error)
	UpsertSession(ctx context.Context, userID, otherUserID uuid.UUID, data string) (*models.CryptoSession, bool, error)
	GetSession(ctx context.Context, userID, otherUserID uuid.UUID) (*models.CryptoSession, error)
}

// UserLookup checks that a key owner exists.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// BundleRequest is the body for POST /crypto/keys.
type BundleRequest struct {
	IdentityKey           string `json:"identity_key" binding:"required"`
	SignedPrekey          string `json:"signed_prekey" binding:"required"`
	SignedPrekeySignature string `json:"signed_prekey_signature" binding:"required"`
	SignedPrekeyID        *int32 `json:"signed_prekey_id" binding:"required"`
}

// PrekeyUpload is one entry of PrekeysRequest.
type PrekeyUpload struct {
	PrekeyID *int32 `json:"prekey_id" binding:"required"`
	Prekey   string `json:"prekey" binding:"required"`
}

// PrekeysRequest is the body for POST /crypto/prekeys.
type PrekeysRequest struct {
	Prekeys []PrekeyUpload `json:"prekeys" binding:"required,min=1,dive"`
}

// SessionRequest is the body for POST /crypto/sessions.
type SessionRequest struct {
	OtherUserID uuid.UUID `json:"other_user_id" binding:"required"`
	SessionData string    `json:"session_data" binding:"required"`
}

// Handler serves the public key directory used for end-to-end encryption.
// The server stores and hands out key material; it never sees private keys.
type Handler struct {
	store  Store
	users  UserLookup
	logger *zap.Logger
}

// NewHandler creates a key directory handler.
func NewHandler(store Store, users UserLookup, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, users: users, logger: logger}
}

// PutBundle handles POST /crypto/keys. It answers 201 on first registration
// and 200 when the bundle is replaced.
func (h *Handler) PutBundle(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req BundleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	b := &models.KeyBundle{
		UserID:                userID,
		IdentityKey:           req.IdentityKey,
		SignedPrekey:          req.SignedPrekey,
		SignedPrekeySignature: req.SignedPrekeySignature,
		SignedPrekeyID:        *req.SignedPrekeyID,
	}
	created, err := h.store.UpsertBundle(c.Request.Context(), b)
	if err != nil {
		h.logger.Error("store key bundle failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "failed to store keys")
		return
	}
	if created {
		response.Created(c, b)
		return
	}
	response.OK(c, b)
}

// GetBundle handles GET /crypto/keys/:userId.
func (h *Handler) GetBundle(c *gin.Context) {
	owner, ok := h.existingUser(c, "userId")
	if !ok {
		return
	}
	b, err := h.store.GetBundle(c.Request.Context(), owner)
	if errors.Is(err, database.ErrNotFound) {
		response.NotFound(c, "user keys not found")
		return
	}
	if err != nil {
		h.logger.Error("get key bundle failed", zap.Error(err))
		response.Internal(c, "failed to get keys")
		return
	}
	response.OK(c, b)
}

// UploadPrekeys handles POST /crypto/prekeys.
func (h *Handler) UploadPrekeys(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req PrekeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if len(req.Prekeys) > maxPrekeysPerUpload {
		response.BadRequest(c, "too many prekeys in one upload")
		return
	}
	prekeys := make([]models.OneTimePrekey, len(req.Prekeys))
	for i, p := range req.Prekeys {
		prekeys[i] = models.OneTimePrekey{PrekeyID: *p.PrekeyID, Prekey: p.Prekey}
	}
	saved, err := h.store.AddPrekeys(c.Request.Context(), userID, prekeys)
	if err != nil {
		h.logger.Error("store prekeys failed", zap.String("user_id", userID.String()), zap.Error(err))
		response.Internal(c, "failed to store prekeys")
		return
	}
	response.Created(c, saved)
}

// PrekeyCount handles GET /crypto/prekeys so clients know when to replenish.
func (h *Handler) PrekeyCount(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	n, err := h.store.CountUnused(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("count prekeys failed", zap.Error(err))
		response.Internal(c, "failed to count prekeys")
		return
	}
	response.OK(c, gin.H{"unused": n})
}

// ClaimPrekey handles GET /crypto/prekeys/:userId. Each prekey is handed out once.
func (h *Handler) ClaimPrekey(c *gin.Context) {
	owner, ok := h.existingUser(c, "userId")
	if !ok {
		return
	}
	pk, err := h.store.ClaimPrekey(c.Request.Context(), owner)
	if errors.Is(err, database.ErrNotFound) {
		response.NotFound(c, "no unused prekeys available for this user")
		return
	}
	if err != nil {
		h.logger.Error("claim prekey failed", zap.Error(err))
		response.Internal(c, "failed to claim prekey")
		return
	}
	h.logger.Debug("prekey claimed",
		zap.String("owner_id", owner.String()),
		zap.Int32("prekey_id", pk.PrekeyID))
	response.OK(c, pk)
}

// PutSession handles POST /crypto/sessions.
func (h *Handler) PutSession(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	if _, err := h.users.GetByID(ctx, req.OtherUserID); err != nil {
		h.userError(c, err)
		return
	}
	s, created, err := h.store.UpsertSession(ctx, userID, req.OtherUserID, req.SessionData)
	if err != nil {
		h.logger.Error("store session failed", zap.Error(err))
		response.Internal(c, "failed to store session")
		return
	}
	s.SessionData = ""
	if created {
		response.Created(c, s)
		return
	}
	response.OK(c, s)
}

// GetSession handles GET /crypto/sessions/:otherUserId.
func (h *Handler) GetSession(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	other, err := uuid.Parse(c.Param("otherUserId"))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}
	s, err := h.store.GetSession(c.Request.Context(), userID, other)
	if errors.Is(err, database.ErrNotFound) {
		response.NotFound(c, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("get session failed", zap.Error(err))
		response.Internal(c, "failed to get session")
		return
	}
	response.OK(c, s)
}

func (h *Handler) existingUser(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return uuid.Nil, false
	}
	if _, err := h.users.GetByID(c.Request.Context(), id); err != nil {
		h.userError(c, err)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) userError(c *gin.Context, err error) {
	if errors.Is(err, database.ErrNotFound) {
		response.NotFound(c, "user not found")
		return
	}
	h.logger.Error("lookup user failed", zap.Error(err))
	response.Internal(c, "failed to look up user")
}
