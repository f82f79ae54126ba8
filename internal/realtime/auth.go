package realtime

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/onyxchat/backend/internal/auth"
)

// Close codes sent when a handshake is rejected.
const (
	CloseUnauthorized   = 4001
	CloseInvalidToken   = 4002
	CloseTokenExpired   = 4003
	CloseWrongTokenType = 4004
)

// TokenValidator validates access tokens. *auth.JWTService satisfies it.
type TokenValidator interface {
	ValidateAccess(token string) (*auth.Claims, error)
}

// AuthStatus is the outcome of authenticating a presented token.
type AuthStatus int

const (
	AuthOK AuthStatus = iota
	AuthMissing
	AuthExpired
	AuthInvalid
	AuthWrongType
)

func (s AuthStatus) String() string {
	switch s {
	case AuthOK:
		return "ok"
	case AuthMissing:
		return "missing"
	case AuthExpired:
		return "expired"
	case AuthWrongType:
		return "wrong_type"
	}
	return "invalid"
}

// CloseCode is the WebSocket close code for a failed outcome.
func (s AuthStatus) CloseCode() int {
	switch s {
	case AuthExpired:
		return CloseTokenExpired
	case AuthInvalid:
		return CloseInvalidToken
	case AuthWrongType:
		return CloseWrongTokenType
	}
	return CloseUnauthorized
}

// refreshCode is the code in the TOKEN_REFRESH_REQUIRED frame. Missing tokens
// get no such frame.
func (s AuthStatus) refreshCode() string {
	switch s {
	case AuthExpired:
		return "TOKEN_EXPIRED"
	case AuthWrongType:
		return "TOKEN_WRONG_TYPE"
	}
	return "TOKEN_INVALID"
}

func (s AuthStatus) closeReason() string {
	switch s {
	case AuthExpired:
		return "Token expired"
	case AuthInvalid:
		return "Invalid token"
	case AuthWrongType:
		return "Wrong token type"
	}
	return "Unauthorized"
}

// AuthResult carries the authenticated user for AuthOK.
type AuthResult struct {
	Status AuthStatus
	UserID uuid.UUID
}

// Authenticator turns a presented token into an AuthResult.
type Authenticator struct {
	tokens TokenValidator
}

func NewAuthenticator(tokens TokenValidator) *Authenticator {
	return &Authenticator{tokens: tokens}
}

func (a *Authenticator) Authenticate(token string) AuthResult {
	if token == "" {
		return AuthResult{Status: AuthMissing}
	}
	claims, err := a.tokens.ValidateAccess(token)
	switch {
	case err == nil:
		return AuthResult{Status: AuthOK, UserID: claims.UserID}
	case errors.Is(err, auth.ErrTokenExpired):
		return AuthResult{Status: AuthExpired}
	case errors.Is(err, auth.ErrWrongTokenType):
		return AuthResult{Status: AuthWrongType}
	}
	return AuthResult{Status: AuthInvalid}
}

// tokenFromRequest reads a token from the upgrade request: Authorization
// bearer header, then the token query parameter, then X-Auth-Token.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if parts := strings.SplitN(h, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if tok := strings.TrimSpace(parts[1]); tok != "" {
				return tok
			}
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.Header.Get("X-Auth-Token"))
}
