package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/pkg/database"
	"github.com/onyxchat/backend/pkg/response"
	"github.com/onyxchat/backend/pkg/utils"
)

// RegisterRequest is the body for POST /auth/register.
type RegisterRequest struct {
	Username    string `json:"username" binding:"required,min=3,max=30,alphanum"`
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"display_name" binding:"max=100"`
}

// LoginRequest is the body for POST /auth/login. Identifier may be a username or an email.
type LoginRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

// RefreshRequest is the body for POST /auth/refresh and POST /auth/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// TokenResponse is the auth response with an access/refresh pair.
type TokenResponse struct {
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token"`
	User         models.UserPublic `json:"user"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	repo   *Repository
	jwt    *JWTService
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(repo *Repository, jwt *JWTService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, jwt: jwt, logger: logger}
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		response.Internal(c, "failed to hash password")
		return
	}

	user, err := h.repo.Create(c.Request.Context(), req.Username, req.Email, hash, req.DisplayName)
	if errors.Is(err, ErrDuplicateUser) {
		response.Conflict(c, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("create user failed", zap.Error(err))
		response.Internal(c, "failed to create user")
		return
	}

	pair, err := h.issuePair(c, user)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.Created(c, pair)
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	user, err := h.repo.GetByUsernameOrEmail(c.Request.Context(), req.Identifier)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			h.logger.Error("login lookup failed", zap.Error(err))
		}
		response.Unauthorized(c, "invalid credentials")
		return
	}
	if !utils.CheckPassword(req.Password, user.Password) {
		response.Unauthorized(c, "invalid credentials")
		return
	}

	pair, err := h.issuePair(c, user)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	c.JSON(http.StatusOK, response.Body{Success: true, Data: pair})
}

// Refresh handles POST /auth/refresh. The presented refresh token is rotated.
func (h *Handler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	claims, err := h.jwt.ValidateRefresh(req.RefreshToken)
	if err != nil {
		response.Unauthorized(c, err.Error())
		return
	}
	jti, err := uuid.Parse(claims.ID)
	if err != nil {
		response.Unauthorized(c, ErrInvalidToken.Error())
		return
	}
	ctx := c.Request.Context()
	stored, err := h.repo.GetRefreshToken(ctx, jti)
	if err != nil || stored.Revoked || stored.UserID != claims.UserID {
		response.Unauthorized(c, "refresh token revoked")
		return
	}
	user, err := h.repo.GetByID(ctx, claims.UserID)
	if err != nil {
		response.Unauthorized(c, "user not found")
		return
	}
	if err := h.repo.RevokeRefreshToken(ctx, jti); err != nil {
		h.logger.Error("revoke refresh token failed", zap.Error(err))
		response.Internal(c, "failed to rotate token")
		return
	}
	pair, err := h.issuePair(c, user)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	response.OK(c, pair)
}

// Logout handles POST /auth/logout by revoking the refresh token.
func (h *Handler) Logout(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	claims, err := h.jwt.ValidateRefresh(req.RefreshToken)
	if err == nil {
		if jti, perr := uuid.Parse(claims.ID); perr == nil {
			if err := h.repo.RevokeRefreshToken(c.Request.Context(), jti); err != nil {
				h.logger.Warn("revoke on logout failed", zap.Error(err))
			}
		}
	}
	response.NoContent(c)
}

func (h *Handler) issuePair(c *gin.Context, user *models.User) (*TokenResponse, error) {
	access, err := h.jwt.GenerateAccess(user.ID)
	if err != nil {
		return nil, err
	}
	refresh, err := h.jwt.GenerateRefresh(user.ID)
	if err != nil {
		return nil, err
	}
	if err := h.repo.StoreRefreshToken(c.Request.Context(), user.ID, refresh); err != nil {
		h.logger.Error("store refresh token failed", zap.Error(err), zap.String("user_id", user.ID.String()))
		return nil, err
	}
	return &TokenResponse{AccessToken: access.Token, RefreshToken: refresh.Token, User: user.ToPublic()}, nil
}
