package realtime

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/onyxchat/backend/internal/auth"
)

func TestAuthenticateOutcomes(t *testing.T) {
	svc := auth.NewJWTService("secret", time.Hour, time.Hour)
	a := NewAuthenticator(svc)
	uid := uuid.New()

	access, _ := svc.GenerateAccess(uid)
	refresh, _ := svc.GenerateRefresh(uid)
	expired, _ := auth.NewJWTService("secret", -time.Minute, time.Hour).GenerateAccess(uid)

	tests := []struct {
		name  string
		token string
		want  AuthStatus
		code  int
	}{
		{"valid", access.Token, AuthOK, 0},
		{"missing", "", AuthMissing, CloseUnauthorized},
		{"expired", expired.Token, AuthExpired, CloseTokenExpired},
		{"garbage", "abc.def.ghi", AuthInvalid, CloseInvalidToken},
		{"refresh token", refresh.Token, AuthWrongType, CloseWrongTokenType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.Authenticate(tt.token)
			if res.Status != tt.want {
				t.Fatalf("status = %s, want %s", res.Status, tt.want)
			}
			if tt.want == AuthOK {
				if res.UserID != uid {
					t.Fatalf("user = %s, want %s", res.UserID, uid)
				}
				return
			}
			if res.Status.CloseCode() != tt.code {
				t.Fatalf("close code = %d, want %d", res.Status.CloseCode(), tt.code)
			}
		})
	}
}

func TestTokenFromRequestPrecedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query", nil)
	r.Header.Set("Authorization", "Bearer header")
	r.Header.Set("X-Auth-Token", "custom")
	if got := tokenFromRequest(r); got != "header" {
		t.Fatalf("got %q, want header", got)
	}

	r.Header.Del("Authorization")
	if got := tokenFromRequest(r); got != "query" {
		t.Fatalf("got %q, want query", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("X-Auth-Token", "custom")
	if got := tokenFromRequest(r); got != "custom" {
		t.Fatalf("got %q, want custom", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	if got := tokenFromRequest(r); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
