// Package chat is the business collaborator behind chat frames and the chat
// REST endpoints. It persists messages, fans them out to the chat group and
// notifies the other members through the delivery dispatcher.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dukerupert/courier/internal/model"
	"github.com/dukerupert/courier/internal/websocket"
)

const (
	maxContentLength = 4000
	previewLength    = 140
)

// Error carries a stable code for transport error frames.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Code() string  { return e.code }

var (
	ErrNotMember = &Error{code: "not_member", msg: "not a member of this chat"}
	ErrEmpty     = &Error{code: "invalid_request", msg: "content is required"}
	ErrTooLong   = &Error{code: "invalid_request", msg: "content is too long"}
)

type Store interface {
	Create(ctx context.Context, chatID string, members []string, when time.Time) (model.Chat, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	Members(ctx context.Context, chatID string) ([]string, error)
	CreateMessage(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, bool, error)
	ListMessages(ctx context.Context, chatID string, afterID int64, limit int) ([]model.ChatMessage, error)
	MarkRead(ctx context.Context, chatID, userID string, when time.Time) error
}

type NotificationStore interface {
	Create(ctx context.Context, n model.Notification) (model.Notification, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.Notification, error)
}

type Broadcaster interface {
	EmitToGroup(group string, ev websocket.Event) int
}

type Deliverer interface {
	Deliver(ctx context.Context, ev model.DeliveryEvent)
}

type Service struct {
	chats         Store
	notifications NotificationStore
	hub           Broadcaster
	delivery      Deliverer
	logger        *slog.Logger
	now           func() time.Time
}

func NewService(chats Store, notifications NotificationStore, hub Broadcaster, delivery Deliverer, logger *slog.Logger) *Service {
	return &Service{
		chats:         chats,
		notifications: notifications,
		hub:           hub,
		delivery:      delivery,
		logger:        logger.With("component", "chat"),
		now:           time.Now,
	}
}

// CreateChat creates a chat containing creatorID and members. An empty
// chatID is replaced with a generated one.
func (s *Service) CreateChat(ctx context.Context, creatorID, chatID string, members []string) (model.Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		chatID = uuid.NewString()
	}
	all := []string{creatorID}
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			all = append(all, m)
		}
	}
	if len(all) < 2 {
		return model.Chat{}, model.NewValidationError(map[string]string{"members": "at least one other member is required"})
	}
	c, err := s.chats.Create(ctx, chatID, all, s.now())
	if err != nil {
		return model.Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return c, nil
}

func (s *Service) Join(ctx context.Context, userID, chatID string) error {
	return s.requireMember(ctx, userID, chatID)
}

// Send stores the message, broadcasts it to the chat group and notifies the
// other members. A retry with an already stored clientRef returns the stored
// message without notifying again.
func (s *Service) Send(ctx context.Context, userID, chatID, content, clientRef string) (model.ChatMessage, error) {
	content = strings.TrimSpace(content)
	switch {
	case content == "":
		return model.ChatMessage{}, ErrEmpty
	case utf8.RuneCountInString(content) > maxContentLength:
		return model.ChatMessage{}, ErrTooLong
	}
	if err := s.requireMember(ctx, userID, chatID); err != nil {
		return model.ChatMessage{}, err
	}

	msg, created, err := s.chats.CreateMessage(ctx, model.ChatMessage{
		ChatID:    chatID,
		SenderID:  userID,
		Content:   content,
		ClientRef: clientRef,
		CreatedAt: s.now(),
	})
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("store message: %w", err)
	}

	s.hub.EmitToGroup(websocket.ChatGroup(chatID), websocket.Event{
		Name:    websocket.TypeMessage,
		ID:      websocket.MessageEventID(msg.ID),
		Payload: websocket.MessageEvent{ChatID: chatID, Message: msg},
	})
	if created {
		s.notifyMembers(ctx, msg)
	}
	return msg, nil
}

func (s *Service) notifyMembers(ctx context.Context, msg model.ChatMessage) {
	members, err := s.chats.Members(ctx, msg.ChatID)
	if err != nil {
		s.logger.Error("list chat members", "chat_id", msg.ChatID, "error", err)
		return
	}

	data := map[string]any{
		"chatId":    msg.ChatID,
		"messageId": msg.ID,
		"senderId":  msg.SenderID,
	}
	body := preview(msg.Content)
	for _, m := range members {
		if m == msg.SenderID {
			continue
		}
		ev := model.DeliveryEvent{
			UserID:  m,
			Title:   "New message",
			Body:    body,
			Payload: data,
			Type:    model.NotifTypeChatMessage,
		}
		n, err := s.notifications.Create(ctx, model.Notification{
			UserID:    m,
			Type:      ev.Type,
			Title:     ev.Title,
			Message:   ev.Body,
			Data:      data,
			CreatedAt: s.now(),
		})
		if err != nil {
			// Deliver without a record id.
			s.logger.Error("create notification", "user_id", m, "error", err)
		} else {
			ev.NotificationID = strconv.FormatInt(n.ID, 10)
		}
		s.delivery.Deliver(ctx, ev)
	}
}

// MarkRead records a read receipt and broadcasts it to the chat group.
func (s *Service) MarkRead(ctx context.Context, userID, chatID string) error {
	err := s.chats.MarkRead(ctx, chatID, userID, s.now())
	if errors.Is(err, model.ErrNotFound) {
		return ErrNotMember
	}
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	s.hub.EmitToGroup(websocket.ChatGroup(chatID), websocket.Event{
		Name:    websocket.TypeRead,
		Payload: websocket.ReadEvent{ChatID: chatID, UserID: userID},
	})
	return nil
}

// History returns messages after afterID for a member of the chat.
func (s *Service) History(ctx context.Context, userID, chatID string, afterID int64, limit int) ([]model.ChatMessage, error) {
	if err := s.requireMember(ctx, userID, chatID); err != nil {
		return nil, err
	}
	return s.chats.ListMessages(ctx, chatID, afterID, limit)
}

func (s *Service) Notifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	return s.notifications.ListByUser(ctx, userID, limit)
}

func (s *Service) requireMember(ctx context.Context, userID, chatID string) error {
	ok, err := s.chats.IsMember(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	r := []rune(s)
	return string(r[:previewLength-1]) + "…"
}
