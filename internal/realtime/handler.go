package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/observability"
)

const frameTimeout = 10 * time.Second

// Options tunes the WebSocket endpoint.
type Options struct {
	// AuthGrace is how long an unauthenticated socket may wait for an auth frame.
	AuthGrace time.Duration
	// AuthCloseDelay separates TOKEN_REFRESH_REQUIRED from the close frame.
	AuthCloseDelay time.Duration
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
}

// Server is the WebSocket endpoint: handshake, registration and frame dispatch.
type Server struct {
	registry *Registry
	relay    *Relay
	calls    *CallCoordinator
	auth     *Authenticator
	opts     Options
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the endpoint. metrics may be nil.
func NewServer(registry *Registry, relay *Relay, calls *CallCoordinator, authn *Authenticator, opts Options, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AuthGrace <= 0 {
		opts.AuthGrace = 10 * time.Second
	}
	if opts.AuthCloseDelay <= 0 {
		opts.AuthCloseDelay = time.Second
	}
	s := &Server{
		registry: registry,
		relay:    relay,
		calls:    calls,
		auth:     authn,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeWs handles GET /ws.
func (s *Server) ServeWs(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxMessageSize)

	userID, ok := s.handshake(ws, c.Request)
	if !ok {
		return
	}

	conn := newConnection(userID, ws, s.opts.SendBuffer)
	ws.SetPongHandler(func(string) error {
		conn.MarkAlive()
		return nil
	})
	go conn.writePump()

	conn.Send(Frame{Type: TypeConnectionEstablished, Data: map[string]any{
		"connectionId": conn.ID,
		"userId":       userID,
	}})
	s.registry.Register(conn)
	s.readPump(conn, ws)
}

// handshake authenticates the socket from the upgrade request or, failing
// that, from an auth frame received within the grace period.
func (s *Server) handshake(ws *websocket.Conn, r *http.Request) (uuid.UUID, bool) {
	token := tokenFromRequest(r)
	if token == "" {
		var err error
		token, err = s.awaitAuthFrame(ws)
		if err != nil {
			reason := authReadFailure(err)
			s.metrics.AuthFailed(reason)
			s.logger.Debug("auth frame not received", zap.String("reason", reason), zap.Error(err))
			if reason == "timeout" {
				s.closeWith(ws, CloseUnauthorized, "Authentication timeout")
			} else {
				_ = ws.Close()
			}
			return uuid.Nil, false
		}
	}

	res := s.auth.Authenticate(token)
	if res.Status == AuthOK {
		return res.UserID, true
	}

	s.metrics.AuthFailed(res.Status.String())
	s.logger.Info("websocket auth rejected",
		zap.String("reason", res.Status.String()),
		zap.String("remote_addr", r.RemoteAddr))
	if res.Status != AuthMissing {
		b, _ := Frame{Type: TypeTokenRefreshRequired, Data: map[string]string{
			"code":    res.Status.refreshCode(),
			"message": res.Status.closeReason(),
		}}.encode()
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, b)
		time.Sleep(s.opts.AuthCloseDelay)
	}
	s.closeWith(ws, res.Status.CloseCode(), res.Status.closeReason())
	return uuid.Nil, false
}

// awaitAuthFrame reads until an auth frame arrives. Other frames are dropped.
// The read deadline doubles as the grace timer and is cleared on success.
func (s *Server) awaitAuthFrame(ws *websocket.Conn) (string, error) {
	if err := ws.SetReadDeadline(time.Now().Add(s.opts.AuthGrace)); err != nil {
		return "", err
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return "", err
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			continue
		}
		if f, ok := frame.(AuthFrame); ok {
			return f.Token, ws.SetReadDeadline(time.Time{})
		}
	}
}

// authReadFailure labels a read error seen while waiting for the auth frame.
func authReadFailure(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, websocket.ErrReadLimit):
		return "too_large"
	default:
		return "closed"
	}
}

func (s *Server) closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = ws.Close()
}

// readPump dispatches frames in arrival order until the socket fails.
func (s *Server) readPump(conn *Connection, ws *websocket.Conn) {
	defer func() {
		s.registry.Deregister(conn.UserID, conn.ID)
		conn.Terminate()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			s.metrics.InboundFrame("unknown", false)
			s.logger.Warn("dropping invalid frame",
				zap.String("user_id", conn.UserID.String()),
				zap.Error(err))
			continue
		}
		s.metrics.InboundFrame(frame.frameType(), true)
		s.dispatch(conn, frame)
	}
}

func (s *Server) dispatch(conn *Connection, frame InboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	switch f := frame.(type) {
	case AuthFrame:
		// already authenticated
	case PingFrame:
		conn.MarkAlive()
		conn.Send(Frame{Type: TypePong, Timestamp: nowMillis()})
	case ChatMessageFrame:
		msg, err := s.relay.Send(ctx, OutgoingMessage{
			SenderID:    conn.UserID,
			RecipientID: f.RecipientID,
			Content:     f.Content,
			ContentType: f.ContentType,
			Encrypted:   f.Encrypted,
		})
		if err != nil {
			s.sendRelayError(conn, err, nil)
			return
		}
		conn.Send(Frame{Type: TypeMessageSent, Data: map[string]any{
			"id":          msg.ID,
			"recipientId": msg.RecipientID,
			"timestamp":   msg.CreatedAt.UnixMilli(),
		}})
	case DirectMessageFrame:
		msg, preview, err := s.relay.SendToAddress(ctx, conn.UserID, f.Recipient, f.Content, f.ContentType, f.Encrypted)
		if err != nil {
			s.sendRelayError(conn, err, map[string]any{"recipient": f.Recipient, "contentPreview": previewOf(f.Content)})
			return
		}
		conn.Send(Frame{Type: TypeMessageSent, Data: map[string]any{
			"id":             msg.ID,
			"recipientId":    msg.RecipientID,
			"recipient":      f.Recipient,
			"contentPreview": preview,
			"timestamp":      msg.CreatedAt.UnixMilli(),
		}})
	case ReadReceiptFrame:
		if _, err := s.relay.MarkRead(ctx, conn.UserID, f.MessageID); err != nil {
			s.sendRelayError(conn, err, map[string]any{"messageId": f.MessageID})
		}
	case ReceivedReceiptFrame:
		if _, err := s.relay.MarkReceived(ctx, conn.UserID, f.MessageID); err != nil {
			s.sendRelayError(conn, err, map[string]any{"messageId": f.MessageID})
		}
	case TypingFrame:
		s.relay.Typing(conn.UserID, f.RecipientID, f.IsTyping)
	case CallRequestFrame:
		s.calls.Request(conn.UserID, f.RecipientID, f.IsVideo)
	case CallResponseFrame:
		s.calls.Respond(conn.UserID, f.CallID, f.Accepted)
	case SignalFrame:
		s.calls.Signal(conn.UserID, f)
	case EndCallFrame:
		s.calls.End(conn.UserID, f.CallID, f.PeerID)
	default:
		s.logger.Warn("unhandled frame", zap.String("type", frame.frameType()))
	}
}

// sendRelayError reports a relay failure to the originating connection.
func (s *Server) sendRelayError(conn *Connection, err error, extra map[string]any) {
	code, message := CodeMessageNotSaved, "message could not be saved"
	switch {
	case errors.Is(err, ErrRecipientNotFound):
		code, message = CodeRecipientNotFound, "recipient not found"
	case errors.Is(err, ErrMessageNotFound):
		code, message = CodeMessageNotFound, "message not found"
	default:
		s.logger.Error("relay failed", zap.String("user_id", conn.UserID.String()), zap.Error(err))
	}
	data := map[string]any{"code": code, "message": message}
	for k, v := range extra {
		data[k] = v
	}
	conn.Send(Frame{Type: TypeError, Data: data})
}
