package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/courier/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatStore struct {
	pool *pgxpool.Pool
}

func NewChatStore(pool *pgxpool.Pool) *ChatStore {
	return &ChatStore{pool: pool}
}

func (s *ChatStore) Create(ctx context.Context, chatID string, members []string, when time.Time) (model.Chat, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.Chat{}, fmt.Errorf("begin create chat: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO chats (id, created_at) VALUES ($1, $2)`, chatID, when); err != nil {
		return model.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(`INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, chatID, m)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return model.Chat{}, fmt.Errorf("insert chat members: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Chat{}, fmt.Errorf("commit create chat: %w", err)
	}
	return s.Get(ctx, chatID)
}

func (s *ChatStore) Get(ctx context.Context, chatID string) (model.Chat, error) {
	var c model.Chat
	err := s.pool.QueryRow(ctx, `SELECT id, created_at FROM chats WHERE id = $1`, chatID).Scan(&c.ID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Chat{}, model.ErrNotFound
	}
	if err != nil {
		return model.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	if c.Members, err = s.Members(ctx, chatID); err != nil {
		return model.Chat{}, err
	}
	return c, nil
}

func (s *ChatStore) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2)`, chatID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check chat member: %w", err)
	}
	return ok, nil
}

func (s *ChatStore) Members(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM chat_members WHERE chat_id = $1 ORDER BY user_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat members: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list chat members: %w", err)
	}
	return out, nil
}

const messageCols = `id, chat_id, sender_id, content, client_ref, created_at`

func scanMessage(row pgx.Row) (model.ChatMessage, error) {
	var m model.ChatMessage
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.ClientRef, &m.CreatedAt)
	return m, err
}

// CreateMessage stores msg. A retried send with the same non-empty ClientRef
// returns the stored row with created set to false.
func (s *ChatStore) CreateMessage(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, bool, error) {
	const q = `
		INSERT INTO chat_messages (chat_id, sender_id, content, client_ref, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chat_id, sender_id, client_ref) WHERE client_ref <> '' DO NOTHING
		RETURNING ` + messageCols

	created := true
	out, err := scanMessage(s.pool.QueryRow(ctx, q, msg.ChatID, msg.SenderID, msg.Content, msg.ClientRef, msg.CreatedAt))
	if errors.Is(err, pgx.ErrNoRows) && msg.ClientRef != "" {
		created = false
		out, err = scanMessage(s.pool.QueryRow(ctx,
			`SELECT `+messageCols+` FROM chat_messages WHERE chat_id = $1 AND sender_id = $2 AND client_ref = $3`,
			msg.ChatID, msg.SenderID, msg.ClientRef))
	}
	if err != nil {
		return model.ChatMessage{}, false, fmt.Errorf("create chat message: %w", err)
	}
	return out, created, nil
}

func (s *ChatStore) ListMessages(ctx context.Context, chatID string, afterID int64, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM chat_messages WHERE chat_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
		chatID, afterID, limit)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	return out, nil
}

func (s *ChatStore) MarkRead(ctx context.Context, chatID, userID string, when time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_members SET last_read_at = $3 WHERE chat_id = $1 AND user_id = $2`, chatID, userID, when)
	if err != nil {
		return fmt.Errorf("mark chat read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
