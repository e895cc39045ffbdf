package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/courier/internal/auth"
	"github.com/dukerupert/courier/internal/model"
)

type ChatService interface {
	CreateChat(ctx context.Context, creatorID, chatID string, members []string) (model.Chat, error)
	Send(ctx context.Context, userID, chatID, content, clientRef string) (model.ChatMessage, error)
	History(ctx context.Context, userID, chatID string, afterID int64, limit int) ([]model.ChatMessage, error)
	Notifications(ctx context.Context, userID string, limit int) ([]model.Notification, error)
}

type ChatHandler struct {
	chats  ChatService
	logger *slog.Logger
}

func NewChatHandler(chats ChatService, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{chats: chats, logger: logger}
}

type createChatRequest struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// Create handles POST /chats
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON")
		return
	}
	c, err := h.chats.CreateChat(r.Context(), auth.UserID(r.Context()), req.ID, req.Members)
	if err != nil {
		h.logger.Warn("create chat", "error", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type sendMessageRequest struct {
	Content   string `json:"content"`
	ClientRef string `json:"clientRef"`
}

// Send handles POST /chats/{chatId}/messages
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON")
		return
	}
	msg, err := h.chats.Send(r.Context(), auth.UserID(r.Context()), r.PathValue("chatId"), req.Content, req.ClientRef)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// History handles GET /chats/{chatId}/messages?after=<id>
func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after")
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "after must be a message id")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive number")
		return
	}

	msgs, err := h.chats.History(r.Context(), auth.UserID(r.Context()), r.PathValue("chatId"), after, int(limit))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// Notifications handles GET /notifications
func (h *ChatHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive number")
		return
	}
	list, err := h.chats.Notifications(r.Context(), auth.UserID(r.Context()), int(limit))
	if err != nil {
		h.logger.Error("list notifications", "error", err)
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}
