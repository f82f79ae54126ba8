package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/onyxchat/backend/internal/auth"
	"github.com/onyxchat/backend/pkg/response"
)

// ContextUserID is the key for the authenticated user ID in gin context.
const ContextUserID = "user_id"

// JWT returns a middleware that validates the bearer access token and stores
// the user ID in context.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := jwtService.ValidateAccess(strings.TrimSpace(parts[1]))
		if err != nil {
			msg := "invalid token"
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				msg = "token expired"
			case errors.Is(err, auth.ErrWrongTokenType):
				msg = "access token required"
			}
			response.Unauthorized(c, msg)
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Next()
	}
}

// UserID returns the authenticated user set by JWT.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok && id != uuid.Nil
}
