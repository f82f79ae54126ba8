package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onyxchat/backend/internal/models"
)

// Inbound frame types.
const (
	TypeAuth            = "auth"
	TypePing            = "ping"
	TypeMessage         = "MESSAGE"
	TypeDirectMessage   = "DIRECT_MESSAGE"
	TypeReadReceipt     = "READ_RECEIPT"
	TypeReceivedReceipt = "RECEIVED_RECEIPT"
	TypeTyping          = "TYPING"
	TypeCallRequest     = "call_request"
	TypeCallResponse    = "call_response"
	TypeOffer           = "offer"
	TypeAnswer          = "answer"
	TypeICECandidate    = "ice_candidate"
	TypeEndCall         = "end_call"
)

// Outbound frame types. Receipts, typing and signaling reuse the inbound names.
const (
	TypeConnectionEstablished = "CONNECTION_ESTABLISHED"
	TypeTokenRefreshRequired  = "TOKEN_REFRESH_REQUIRED"
	TypePong                  = "pong"
	TypeNewMessage            = "NEW_MESSAGE"
	TypeMessageSent           = "MESSAGE_SENT"
	TypeUserStatus            = "USER_STATUS"
	TypeError                 = "ERROR"
	TypeFriendRequest         = "FRIEND_REQUEST"
	TypeFriendRequestAccepted = "FRIEND_REQUEST_ACCEPTED"
	TypeIncomingCall          = "incoming_call"
	TypeCallRinging           = "call_ringing"
	TypeCallBusy              = "call_busy"
	TypeCallTimeout           = "call_timeout"
	TypeCallAccepted          = "call_accepted"
	TypeCallAnswered          = "call_answered"
	TypeCallRejected          = "call_rejected"
	TypeCallEnded             = "call_ended"
	TypeCallFailed            = "call_failed"
)

// Error codes carried in ERROR frames.
const (
	CodeRecipientNotFound = "RECIPIENT_NOT_FOUND"
	CodeMessageNotSaved   = "MESSAGE_NOT_SAVED"
	CodeMessageNotFound   = "MESSAGE_NOT_FOUND"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
)

// Frame is an outbound message.
type Frame struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (f Frame) encode() ([]byte, error) {
	return json.Marshal(f)
}

// envelope is the raw shape of every inbound frame. The auth frame historically
// carries its token at the top level, newer clients put it under data.
type envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Token string          `json:"token,omitempty"`
}

// InboundFrame is one of the client frame variants below.
type InboundFrame interface {
	frameType() string
}

type AuthFrame struct {
	Token string `json:"token"`
}

type PingFrame struct{}

type ChatMessageFrame struct {
	RecipientID uuid.UUID          `json:"recipientId"`
	Content     string             `json:"content"`
	ContentType models.ContentType `json:"contentType"`
	Encrypted   bool               `json:"encrypted"`
}

// DirectMessageFrame addresses the recipient by username or email.
type DirectMessageFrame struct {
	Recipient   string             `json:"recipient"`
	Content     string             `json:"content"`
	ContentType models.ContentType `json:"contentType"`
	Encrypted   bool               `json:"encrypted"`
}

type ReadReceiptFrame struct {
	MessageID uuid.UUID `json:"messageId"`
}

type ReceivedReceiptFrame struct {
	MessageID uuid.UUID `json:"messageId"`
}

type TypingFrame struct {
	RecipientID uuid.UUID `json:"recipientId"`
	IsTyping    bool      `json:"isTyping"`
}

type CallRequestFrame struct {
	RecipientID uuid.UUID `json:"recipientId"`
	IsVideo     bool      `json:"isVideo"`
}

type CallResponseFrame struct {
	CallID   uuid.UUID `json:"callId"`
	Accepted bool      `json:"accepted"`
}

// SignalFrame is an offer, answer or ICE candidate. Payload is forwarded verbatim.
type SignalFrame struct {
	Kind     string
	TargetID uuid.UUID
	Payload  map[string]json.RawMessage
}

// EndCallFrame names the call directly or by the other party.
type EndCallFrame struct {
	CallID uuid.UUID `json:"callId"`
	PeerID uuid.UUID `json:"peerId"`
}

func (AuthFrame) frameType() string            { return TypeAuth }
func (PingFrame) frameType() string            { return TypePing }
func (ChatMessageFrame) frameType() string     { return TypeMessage }
func (DirectMessageFrame) frameType() string   { return TypeDirectMessage }
func (ReadReceiptFrame) frameType() string     { return TypeReadReceipt }
func (ReceivedReceiptFrame) frameType() string { return TypeReceivedReceipt }
func (TypingFrame) frameType() string          { return TypeTyping }
func (CallRequestFrame) frameType() string     { return TypeCallRequest }
func (CallResponseFrame) frameType() string    { return TypeCallResponse }
func (f SignalFrame) frameType() string        { return f.Kind }
func (EndCallFrame) frameType() string         { return TypeEndCall }

// DecodeFrame parses a client frame. Unknown types and frames missing required
// fields are reported as errors so the caller can log and drop them.
func DecodeFrame(raw []byte) (InboundFrame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case TypeAuth:
		f := AuthFrame{Token: env.Token}
		if f.Token == "" && len(env.Data) > 0 {
			if err := decodeData(env.Data, &f); err != nil {
				return nil, err
			}
		}
		return f, nil

	case TypePing:
		return PingFrame{}, nil

	case TypeMessage:
		var f ChatMessageFrame
		if err := decodeData(env.Data, &f); err != nil {
			return nil, err
		}
		if f.RecipientID == uuid.Nil {
			return nil, missing(env.Type, "recipientId")
		}
		ct, err := messageContent(env.Type, f.Content, f.ContentType)
		if err != nil {
			return nil, err
		}
		f.ContentType = ct
		return f, nil

	case TypeDirectMessage:
		var f DirectMessageFrame
		if err := decodeData(env.Data, &f); err != nil {
			return nil, err
		}
		f.Recipient = strings.TrimSpace(f.Recipient)
		if f.Recipient == "" {
			return nil, missing(env.Type, "recipient")
		}
		ct, err := messageContent(env.Type, f.Content, f.ContentType)
		if err != nil {
			return nil, err
		}
		f.ContentType = ct
		return f, nil

	case TypeReadReceipt:
		var f ReadReceiptFrame
		if err := decodeData(env.Data, &f); err != nil {
			return nil, err
		}
		if f.MessageID == uuid.Nil {
			return nil, missing(env.Type, "messageId")
		}
		return f, nil

	case TypeReceivedReceipt:
		var f ReceivedReceiptFrame
		if err := decodeData(env.Data, &f); err != nil {
			return nil, err
		}
		if f.MessageID == uuid.Nil {
			return nil, missing(env.Type, "messageId")
		}
		return f, nil

	case TypeTyping:
		var f TypingFrame
		if err := decodeData(env.Data, &f); err != nil {
			return nil, err
		}
		if f.RecipientID == uuid.Nil {
			return nil, missing(env.Type, "recipientId")
		}
		return f, nil

	case TypeCallRequest:
		var f struct {
			CallRequestFrame
			IsVideoCall *bool `json:"isVideoCall"`
		}
		if err := decodeData(env.Data, &f); err != nil {
			return nil, err
		}
		if f.RecipientID == uuid.Nil {
			return nil, missing(env.Type, "recipientId")
		}
		if f.IsVideoCall != nil {
			f.IsVideo = f.IsVideo || *f.IsVideoCall
		}
		return f.CallRequestFrame, nil

	case TypeCallResponse:
		var f CallResponseFrame
		if err := decodeData(env.Data, &f); err != nil {
			return nil, err
		}
		if f.CallID == uuid.Nil {
			return nil, missing(env.Type, "callId")
		}
		return f, nil

	case TypeOffer, TypeAnswer, TypeICECandidate:
		return decodeSignal(env.Type, env.Data)

	case TypeEndCall:
		var f struct {
			EndCallFrame
			RecipientID uuid.UUID `json:"recipientId"`
		}
		if err := decodeData(env.Data, &f); err != nil {
			return nil, err
		}
		if f.PeerID == uuid.Nil {
			f.PeerID = f.RecipientID
		}
		if f.CallID == uuid.Nil && f.PeerID == uuid.Nil {
			return nil, missing(env.Type, "callId")
		}
		return f.EndCallFrame, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
}

func decodeData(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedFrame)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return nil
}

func missing(typ, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMalformedFrame, typ, field)
}

func messageContent(typ, content string, ct models.ContentType) (models.ContentType, error) {
	if content == "" {
		return "", missing(typ, "content")
	}
	if ct == "" {
		return models.ContentText, nil
	}
	if !ct.Valid() {
		return "", fmt.Errorf("%w: unsupported contentType %q", ErrMalformedFrame, ct)
	}
	return ct, nil
}

// decodeSignal accepts targetId, peerId or recipientId as the addressee and
// validates the session description or candidate it carries.
func decodeSignal(kind string, data json.RawMessage) (InboundFrame, error) {
	var payload map[string]json.RawMessage
	if err := decodeData(data, &payload); err != nil {
		return nil, err
	}
	var target uuid.UUID
	for _, key := range []string{"targetId", "peerId", "recipientId"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %s is not a string", ErrMalformedFrame, key)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, key, err)
		}
		target = id
		break
	}
	if target == uuid.Nil {
		return nil, missing(kind, "targetId")
	}

	switch kind {
	case TypeOffer, TypeAnswer:
		if _, err := parseSessionDescription(kind, payload["sdp"]); err != nil {
			return nil, err
		}
	case TypeICECandidate:
		if _, err := parseICECandidate(payload); err != nil {
			return nil, err
		}
	}
	return SignalFrame{Kind: kind, TargetID: target, Payload: payload}, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
