package media

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/middleware"
	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
	"github.com/onyxchat/backend/pkg/queue"
	"github.com/onyxchat/backend/pkg/response"
	"github.com/onyxchat/backend/pkg/storage"
)

// ObjectStore is the object storage the handler writes media to.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) error
	PresignGet(ctx context.Context, key string) (string, error)
	PresignExpire() time.Duration
	Delete(ctx context.Context, key string) error
}

// CleanupQueue schedules asynchronous removal of media objects.
type CleanupQueue interface {
	EnqueueMediaDelete(ctx context.Context, payload queue.MediaDeletePayload) error
}

// URLResponse is a time-limited download link.
type URLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handler handles media upload and download endpoints.
type Handler struct {
	repo     *Repository
	store    ObjectStore
	cleanup  CleanupQueue
	maxBytes int64
	logger   *zap.Logger
}

// NewHandler creates a media handler. Without a cleanup queue, deletes are
// done inline.
func NewHandler(repo *Repository, store ObjectStore, cleanup CleanupQueue, maxBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, store: store, cleanup: cleanup, maxBytes: maxBytes, logger: logger}
}

// Upload handles POST /media/upload (multipart field "file"). The returned id
// is what media messages carry as content.
func (h *Handler) Upload(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if h.store == nil {
		response.ServiceUnavailable(c, "media storage not configured")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.TooLarge(c, "file too large")
			return
		}
		response.BadRequest(c, "file is required")
		return
	}
	if fh.Size > h.maxBytes {
		response.TooLarge(c, "file too large")
		return
	}
	ct, ok := storage.MediaContentType(fh.Header.Get("Content-Type"), fh.Filename)
	if !ok {
		response.BadRequest(c, "unsupported media type")
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable file")
		return
	}
	defer f.Close()

	ctx := c.Request.Context()
	m := &models.Media{ID: uuid.New(), OwnerID: userID, ContentType: ct, SizeBytes: fh.Size}
	m.S3Key = storage.MediaKey(userID.String(), m.ID.String(), ct)
	if err := h.store.Upload(ctx, m.S3Key, ct, f, fh.Size); err != nil {
		h.logger.Error("media upload failed", zap.Error(err))
		response.Internal(c, "failed to store media")
		return
	}
	if err := h.repo.Create(ctx, m); err != nil {
		h.logger.Error("save media failed", zap.Error(err))
		if derr := h.store.Delete(ctx, m.S3Key); derr != nil {
			h.logger.Warn("orphaned media object", zap.String("key", m.S3Key), zap.Error(derr))
		}
		response.Internal(c, "failed to save media")
		return
	}
	response.Created(c, m)
}

// URL handles GET /media/:id/url. Any authenticated user holding the id may
// fetch it; ids are only shared through messages.
func (h *Handler) URL(c *gin.Context) {
	if h.store == nil {
		response.ServiceUnavailable(c, "media storage not configured")
		return
	}
	m, ok := h.load(c)
	if !ok {
		return
	}
	url, err := h.store.PresignGet(c.Request.Context(), m.S3Key)
	if err != nil {
		h.logger.Error("presign failed", zap.Error(err))
		response.Internal(c, "failed to create download url")
		return
	}
	response.OK(c, URLResponse{URL: url, ExpiresAt: time.Now().Add(h.store.PresignExpire())})
}

// Delete handles DELETE /media/:id. Only the owner may delete.
func (h *Handler) Delete(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	m, ok := h.load(c)
	if !ok {
		return
	}
	if m.OwnerID != userID {
		response.Forbidden(c, "not the owner")
		return
	}
	ctx := c.Request.Context()
	if h.cleanup != nil {
		if err := h.cleanup.EnqueueMediaDelete(ctx, queue.MediaDeletePayload{MediaID: m.ID, S3Key: m.S3Key}); err != nil {
			h.logger.Error("enqueue media delete failed", zap.Error(err))
			response.Internal(c, "failed to delete media")
			return
		}
		response.NoContent(c)
		return
	}
	if h.store != nil {
		if err := h.store.Delete(ctx, m.S3Key); err != nil {
			h.logger.Error("delete media object failed", zap.Error(err))
			response.Internal(c, "failed to delete media")
			return
		}
	}
	if err := h.repo.Delete(ctx, m.ID); err != nil {
		h.logger.Error("delete media row failed", zap.Error(err))
		response.Internal(c, "failed to delete media")
		return
	}
	response.NoContent(c)
}

func (h *Handler) load(c *gin.Context) (*models.Media, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid media id")
		return nil, false
	}
	m, err := h.repo.GetByID(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		response.NotFound(c, "media not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("get media failed", zap.Error(err))
		response.Internal(c, "failed to get media")
		return nil, false
	}
	return m, true
}
