package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrWrongTokenType = errors.New("wrong token type")
)

// TokenType is the credential class carried in the typ claim.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims holds JWT claims including user ID and credential class.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Type   TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// IssuedToken is a signed token together with the values needed to persist it.
type IssuedToken struct {
	Token     string
	ID        uuid.UUID
	ExpiresAt time.Time
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, accessTTL, refreshTTL time.Duration) *JWTService {
	return &JWTService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// GenerateAccess creates a short-lived access token for the user.
func (s *JWTService) GenerateAccess(userID uuid.UUID) (IssuedToken, error) {
	return s.generate(userID, TokenAccess, s.accessTTL)
}

// GenerateRefresh creates a refresh token. Its ID is stored so it can be revoked.
func (s *JWTService) GenerateRefresh(userID uuid.UUID) (IssuedToken, error) {
	return s.generate(userID, TokenRefresh, s.refreshTTL)
}

func (s *JWTService) generate(userID uuid.UUID, typ TokenType, ttl time.Duration) (IssuedToken, error) {
	now := s.now()
	id := uuid.New()
	exp := now.Add(ttl)
	claims := Claims{
		UserID: userID,
		Type:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        id.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: signed, ID: id, ExpiresAt: exp}, nil
}

// ValidateAccess validates an access token. Expired, malformed and refresh tokens are
// reported with ErrTokenExpired, ErrInvalidToken and ErrWrongTokenType respectively.
func (s *JWTService) ValidateAccess(tokenString string) (*Claims, error) {
	return s.validate(tokenString, TokenAccess)
}

// ValidateRefresh validates a refresh token.
func (s *JWTService) ValidateRefresh(tokenString string) (*Claims, error) {
	return s.validate(tokenString, TokenRefresh)
}

func (s *JWTService) validate(tokenString string, want TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	if claims.Type != want {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}
