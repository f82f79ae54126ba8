package realtime

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onyxchat/backend/internal/auth"
	"github.com/onyxchat/backend/internal/models"
)

type wsFixture struct {
	srv      *httptest.Server
	jwt      *auth.JWTService
	registry *Registry
	store    *fakeMessages
	calls    *fakeCallStore
	alice    *models.User
	bob      *models.User
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	alice, bob := newUser("alice"), newUser("bob")
	users := newFakeUsers(alice, bob)
	store := newFakeMessages()
	callStore := &fakeCallStore{}
	contacts := &fakeContacts{of: map[uuid.UUID][]uuid.UUID{alice.ID: {bob.ID}, bob.ID: {alice.ID}}}

	jwtSvc := auth.NewJWTService("test-secret", time.Hour, time.Hour)
	reg := NewRegistry(nil, nil)
	presence := NewPresence(users, contacts, reg, nil)
	calls := NewCallCoordinator(reg, callStore, NewCallStats(nil), time.Minute, nil, nil)
	reg.SetPresenceHandler(func(userID uuid.UUID, online bool) {
		presence.Notify(userID, online)
		if !online {
			calls.HandleDisconnect(userID)
		}
	})
	srv := NewServer(reg, NewRelay(users, store, reg, nil, nil), calls, NewAuthenticator(jwtSvc), Options{
		AuthGrace:      200 * time.Millisecond,
		AuthCloseDelay: 10 * time.Millisecond,
	}, nil, nil)

	r := gin.New()
	r.GET("/ws", srv.ServeWs)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		ts.Close()
		calls.Close()
	})
	return &wsFixture{srv: ts, jwt: jwtSvc, registry: reg, store: store, calls: callStore, alice: alice, bob: bob}
}

func (f *wsFixture) url(query string) string {
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (f *wsFixture) token(t *testing.T, uid uuid.UUID) string {
	t.Helper()
	tok, err := f.jwt.GenerateAccess(uid)
	if err != nil {
		t.Fatalf("GenerateAccess: %v", err)
	}
	return tok.Token
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) testFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f testFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

// readUntil skips frames such as USER_STATUS until one of typ arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) testFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		if f := readWS(t, ws); f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame", typ)
	return testFrame{}
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("got %v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d, want %d", ce.Code, code)
		}
		return
	}
}

func waitOnline(t *testing.T, reg *Registry, uid uuid.UUID, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for reg.IsOnline(uid) != want {
		if time.Now().After(deadline) {
			t.Fatalf("IsOnline(%s) never became %v", uid, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeWsQueryToken(t *testing.T) {
	f := newWSFixture(t)
	ws := dial(t, f.url("token="+f.token(t, f.alice.ID)), nil)

	est := readWS(t, ws)
	if est.Type != TypeConnectionEstablished || est.Data["userId"] != f.alice.ID.String() || est.Data["connectionId"] == "" {
		t.Fatalf("unexpected frame %+v", est)
	}
	waitOnline(t, f.registry, f.alice.ID, true)

	if err := ws.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if pong := readWS(t, ws); pong.Type != TypePong || pong.Timestamp == 0 {
		t.Fatalf("unexpected frame %+v", pong)
	}

	ws.Close()
	waitOnline(t, f.registry, f.alice.ID, false)
}

func TestServeWsBearerHeader(t *testing.T) {
	f := newWSFixture(t)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.token(t, f.bob.ID))
	ws := dial(t, f.url(""), h)
	if est := readWS(t, ws); est.Type != TypeConnectionEstablished {
		t.Fatalf("unexpected frame %+v", est)
	}
}

func TestServeWsAuthFrame(t *testing.T) {
	f := newWSFixture(t)
	ws := dial(t, f.url(""), nil)

	if err := ws.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteJSON(map[string]string{"type": "auth", "token": f.token(t, f.alice.ID)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if est := readWS(t, ws); est.Type != TypeConnectionEstablished {
		t.Fatalf("unexpected frame %+v", est)
	}

	// the grace deadline must not survive a successful handshake
	time.Sleep(300 * time.Millisecond)
	if err := ws.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if pong := readWS(t, ws); pong.Type != TypePong {
		t.Fatalf("unexpected frame %+v", pong)
	}
}

func TestServeWsAuthTimeout(t *testing.T) {
	f := newWSFixture(t)
	ws := dial(t, f.url(""), nil)
	expectClose(t, ws, CloseUnauthorized)
}

func TestServeWsEmptyAuthToken(t *testing.T) {
	f := newWSFixture(t)
	ws := dial(t, f.url(""), nil)
	if err := ws.WriteJSON(map[string]string{"type": "auth", "token": ""}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v, want close error", err)
	}
	if ce.Code != CloseUnauthorized || ce.Text != "Unauthorized" {
		t.Fatalf("close = %d %q, want %d Unauthorized", ce.Code, ce.Text, CloseUnauthorized)
	}
	if f.registry.OnlineUsers() != 0 {
		t.Fatal("socket registered without a token")
	}
}

func TestServeWsOversizedFrameBeforeAuth(t *testing.T) {
	f := newWSFixture(t)
	ws := dial(t, f.url(""), nil)

	big := make([]byte, 4*maxMessageSize)
	for i := range big {
		big[i] = 'a'
	}
	// the server may drop the socket before the whole frame is written
	_ = ws.WriteMessage(websocket.TextMessage, big)
	_ = ws.WriteJSON(map[string]string{"type": "auth", "token": f.token(t, f.alice.ID)})

	// the close frame may be lost to a reset since the frame body is left unread
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Fatal("server kept the socket open")
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseMessageTooBig {
				t.Fatalf("close code = %d, want %d", ce.Code, websocket.CloseMessageTooBig)
			}
			break
		}
		t.Fatalf("unexpected frame %s", data)
	}
	time.Sleep(20 * time.Millisecond)
	if f.registry.IsOnline(f.alice.ID) {
		t.Fatal("oversized pre-auth frame was accepted")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestAuthReadFailure(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{timeoutErr{}, "timeout"},
		{&websocket.CloseError{Code: websocket.CloseNormalClosure}, "closed"},
		{websocket.ErrReadLimit, "too_large"},
		{errors.New("unexpected EOF"), "closed"},
	}
	for _, tt := range tests {
		if got := authReadFailure(tt.err); got != tt.want {
			t.Errorf("authReadFailure(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestServeWsRejectedTokens(t *testing.T) {
	f := newWSFixture(t)
	expired, _ := auth.NewJWTService("test-secret", -time.Minute, time.Hour).GenerateAccess(f.alice.ID)
	refresh, _ := f.jwt.GenerateRefresh(f.alice.ID)

	tests := []struct {
		name  string
		token string
		code  string
		close int
	}{
		{"expired", expired.Token, "TOKEN_EXPIRED", CloseTokenExpired},
		{"invalid", "not-a-token", "TOKEN_INVALID", CloseInvalidToken},
		{"wrong type", refresh.Token, "TOKEN_WRONG_TYPE", CloseWrongTokenType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := dial(t, f.url("token="+tt.token), nil)
			got := readWS(t, ws)
			if got.Type != TypeTokenRefreshRequired || got.Data["code"] != tt.code {
				t.Fatalf("unexpected frame %+v", got)
			}
			expectClose(t, ws, tt.close)
		})
	}
	if f.registry.OnlineUsers() != 0 {
		t.Fatal("rejected sockets were registered")
	}
}

func TestServeWsMessageFlow(t *testing.T) {
	f := newWSFixture(t)
	alice := dial(t, f.url("token="+f.token(t, f.alice.ID)), nil)
	readUntil(t, alice, TypeConnectionEstablished)
	bob1 := dial(t, f.url("token="+f.token(t, f.bob.ID)), nil)
	readUntil(t, bob1, TypeConnectionEstablished)
	bob2 := dial(t, f.url("token="+f.token(t, f.bob.ID)), nil)
	readUntil(t, bob2, TypeConnectionEstablished)
	waitOnline(t, f.registry, f.bob.ID, true)

	err := alice.WriteJSON(map[string]any{"type": "MESSAGE", "data": map[string]any{
		"recipientId": f.bob.ID, "content": "hello", "encrypted": true,
	}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	sent := readUntil(t, alice, TypeMessageSent)
	for _, ws := range []*websocket.Conn{bob1, bob2} {
		nm := readUntil(t, ws, TypeNewMessage)
		if nm.Data["id"] != sent.Data["id"] || nm.Data["content"] != "hello" {
			t.Fatalf("unexpected NEW_MESSAGE %+v", nm)
		}
	}

	if err := bob1.WriteJSON(map[string]any{"type": "READ_RECEIPT", "data": map[string]any{"messageId": sent.Data["id"]}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rr := readUntil(t, alice, TypeReadReceipt); rr.Data["messageId"] != sent.Data["id"] {
		t.Fatalf("unexpected receipt %+v", rr)
	}

	err = alice.WriteJSON(map[string]any{"type": "DIRECT_MESSAGE", "data": map[string]any{
		"recipient": "ghost@example.com", "content": strings.Repeat("x", 60),
	}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	e := readUntil(t, alice, TypeError)
	if e.Data["code"] != CodeRecipientNotFound || e.Data["recipient"] != "ghost@example.com" || e.Data["contentPreview"] != strings.Repeat("x", 50)+"..." {
		t.Fatalf("unexpected error frame %+v", e)
	}

	// malformed frames are dropped and the connection stays usable
	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"MESSAGE","data":{}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := alice.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, alice, TypePong)
}

func TestServeWsCallScenario(t *testing.T) {
	f := newWSFixture(t)
	alice := dial(t, f.url("token="+f.token(t, f.alice.ID)), nil)
	readUntil(t, alice, TypeConnectionEstablished)
	bob := dial(t, f.url("token="+f.token(t, f.bob.ID)), nil)
	readUntil(t, bob, TypeConnectionEstablished)
	waitOnline(t, f.registry, f.bob.ID, true)

	if err := alice.WriteJSON(map[string]any{"type": "call_request", "data": map[string]any{"recipientId": f.bob.ID, "isVideo": false}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	incoming := readUntil(t, bob, TypeIncomingCall)
	callID := incoming.Data["callId"]

	if err := bob.WriteJSON(map[string]any{"type": "call_response", "data": map[string]any{"callId": callID, "accepted": true}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, alice, TypeCallAccepted)

	if err := alice.WriteJSON(map[string]any{"type": "offer", "data": map[string]any{"targetId": f.bob.ID, "sdp": testSDP}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if offer := readUntil(t, bob, TypeOffer); offer.Data["from"] != f.alice.ID.String() {
		t.Fatalf("unexpected offer %+v", offer)
	}

	time.Sleep(1100 * time.Millisecond)
	if err := alice.WriteJSON(map[string]any{"type": "end_call", "data": map[string]any{"callId": callID}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, bob, TypeCallEnded)

	deadline := time.Now().Add(2 * time.Second)
	for len(f.calls.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	recs := f.calls.all()
	if len(recs) != 1 || recs[0].Status != models.CallCompleted || recs[0].DurationSeconds < 1 {
		t.Fatalf("unexpected records %+v", recs)
	}
}
