package websocket

import (
	"encoding/json"
	"fmt"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dukerupert/courier/internal/model"
)

// Client to server frame types.
const (
	TypeAuth   = "auth"
	TypeJoin   = "join"
	TypeLeave  = "leave"
	TypeSend   = "send"
	TypeRead   = "read"
	TypePing   = "ping"
	TypeLogout = "logout"
)

// Server to client frame types.
const (
	TypeAuthenticated = "authenticated"
	TypeAck           = "ack"
	TypeError         = "error"
	TypeNotification  = "notification"
	TypeMessage       = "message"
	TypePong          = "pong"
)

// StatusUnauthorized closes a connection whose credential is missing, invalid
// or expired. Clients must obtain a fresh credential before reconnecting.
const StatusUnauthorized ws.StatusCode = 4001

// Error codes carried in error frames.
const (
	CodeUnauthorized   = "unauthorized"
	CodeBadRequest     = "bad_request"
	CodeUnsupported    = "unsupported"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeInvalidRequest = "invalid_request"
)

// Frame is the JSON envelope for every message in either direction.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a server emitted event addressed to a user or group. ID is the
// stable identifier clients de-duplicate on.
type Event struct {
	Name    string
	ID      string
	Payload any
}

type AuthPayload struct {
	Token string `json:"token"`
}

type AuthenticatedPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	ExpiresAt    int64  `json:"expiresAt"`
}

type ChatPayload struct {
	ChatID string `json:"chatId"`
}

type SendPayload struct {
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	ClientRef string `json:"clientRef,omitempty"`
}

// MessageEvent is the payload of a "message" event on a chat group.
type MessageEvent struct {
	ChatID  string            `json:"chatId"`
	Message model.ChatMessage `json:"message"`
}

// ReadEvent is the payload of a "read" receipt on a chat group.
type ReadEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// MessageEventID is the stable event id for a stored chat message. The ack
// for a send carries the same id.
func MessageEventID(messageID int64) string {
	return fmt.Sprintf("message:%d", messageID)
}

// UserGroup and ChatGroup name broadcast groups.
func UserGroup(userID string) string { return "user:" + userID }
func ChatGroup(chatID string) string { return "chat:" + chatID }

func encodeEvent(ev Event) ([]byte, error) {
	f := Frame{Type: ev.Name, ID: ev.ID}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", ev.Name, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

func encodeAck(ref, id string, payload any) ([]byte, error) {
	f := Frame{Type: TypeAck, Ref: ref, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal ack payload: %w", err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

func encodeError(ref, code, message string) []byte {
	data, _ := json.Marshal(Frame{Type: TypeError, Ref: ref, Error: &ErrorBody{Code: code, Message: message}})
	return data
}
