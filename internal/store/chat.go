package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/courier/internal/model"
)

type ChatStore struct {
	db *sql.DB
}

func NewChatStore(db *sql.DB) *ChatStore {
	return &ChatStore{db: db}
}

// Create inserts a chat and its members in one transaction.
func (s *ChatStore) Create(ctx context.Context, chatID string, members []string, when time.Time) (model.Chat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Chat{}, fmt.Errorf("begin create chat: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO chats (id, created_at) VALUES (?, ?)`, chatID, when.UTC()); err != nil {
		return model.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO chat_members (chat_id, user_id) VALUES (?, ?)`, chatID, m); err != nil {
			return model.Chat{}, fmt.Errorf("insert chat member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Chat{}, fmt.Errorf("commit create chat: %w", err)
	}
	return s.Get(ctx, chatID)
}

func (s *ChatStore) Get(ctx context.Context, chatID string) (model.Chat, error) {
	var c model.Chat
	err := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM chats WHERE id = ?`, chatID).Scan(&c.ID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Chat{}, model.ErrNotFound
	}
	if err != nil {
		return model.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	members, err := s.Members(ctx, chatID)
	if err != nil {
		return model.Chat{}, err
	}
	c.Members = members
	return c, nil
}

func (s *ChatStore) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_members WHERE chat_id = ? AND user_id = ?`, chatID, userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check chat member: %w", err)
	}
	return count > 0, nil
}

func (s *ChatStore) Members(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat member: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const messageCols = `id, chat_id, sender_id, content, client_ref, created_at`

func scanMessage(scanner interface{ Scan(...any) error }) (model.ChatMessage, error) {
	var m model.ChatMessage
	err := scanner.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.ClientRef, &m.CreatedAt)
	return m, err
}

// CreateMessage stores msg. A retried send with the same non-empty ClientRef
// returns the originally stored message instead of a duplicate, with created
// set to false.
func (s *ChatStore) CreateMessage(ctx context.Context, msg model.ChatMessage) (out model.ChatMessage, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ChatMessage{}, false, fmt.Errorf("begin create chat message: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (chat_id, sender_id, content, client_ref, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (chat_id, sender_id, client_ref) WHERE client_ref <> '' DO NOTHING`,
		msg.ChatID, msg.SenderID, msg.Content, msg.ClientRef, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return model.ChatMessage{}, false, fmt.Errorf("create chat message: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return model.ChatMessage{}, false, fmt.Errorf("create chat message: %w", err)
	}
	created = n > 0

	var row *sql.Row
	if msg.ClientRef != "" {
		row = tx.QueryRowContext(ctx,
			`SELECT `+messageCols+` FROM chat_messages WHERE chat_id = ? AND sender_id = ? AND client_ref = ?`,
			msg.ChatID, msg.SenderID, msg.ClientRef)
	} else {
		id, err := result.LastInsertId()
		if err != nil {
			return model.ChatMessage{}, false, fmt.Errorf("last insert id: %w", err)
		}
		row = tx.QueryRowContext(ctx, `SELECT `+messageCols+` FROM chat_messages WHERE id = ?`, id)
	}
	out, err = scanMessage(row)
	if err != nil {
		return model.ChatMessage{}, false, fmt.Errorf("get chat message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.ChatMessage{}, false, fmt.Errorf("commit chat message: %w", err)
	}
	return out, created, nil
}

// ListMessages returns messages with id greater than afterID in ascending order.
func (s *ChatStore) ListMessages(ctx context.Context, chatID string, afterID int64, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM chat_messages
		 WHERE chat_id = ? AND id > ? ORDER BY id LIMIT ?`, chatID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ChatStore) MarkRead(ctx context.Context, chatID, userID string, when time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE chat_members SET last_read_at = ? WHERE chat_id = ? AND user_id = ?`,
		when.UTC(), chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("mark chat read: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}
