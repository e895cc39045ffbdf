package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukerupert/courier/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type NotificationStore struct {
	pool *pgxpool.Pool
}

func NewNotificationStore(pool *pgxpool.Pool) *NotificationStore {
	return &NotificationStore{pool: pool}
}

const notificationCols = `id, user_id, type, title, message, data, read_at, created_at`

func scanNotification(row pgx.Row) (model.Notification, error) {
	var (
		n      model.Notification
		data   []byte
		readAt pgtype.Timestamptz
	)
	if err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &readAt, &n.CreatedAt); err != nil {
		return model.Notification{}, err
	}
	n.ReadAt = timestamptzPtr(readAt)
	if len(data) > 0 && string(data) != "{}" {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return model.Notification{}, fmt.Errorf("decode notification data: %w", err)
		}
	}
	return n, nil
}

func (s *NotificationStore) Create(ctx context.Context, n model.Notification) (model.Notification, error) {
	data := []byte("{}")
	if len(n.Data) > 0 {
		var err error
		if data, err = json.Marshal(n.Data); err != nil {
			return model.Notification{}, fmt.Errorf("encode notification data: %w", err)
		}
	}
	const q = `
		INSERT INTO notifications (user_id, type, title, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + notificationCols

	out, err := scanNotification(s.pool.QueryRow(ctx, q, n.UserID, n.Type, n.Title, n.Message, data, n.CreatedAt))
	if err != nil {
		return model.Notification{}, fmt.Errorf("create notification: %w", err)
	}
	return out, nil
}

func (s *NotificationStore) GetByID(ctx context.Context, id int64) (model.Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Notification{}, model.ErrNotFound
	}
	if err != nil {
		return model.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (s *NotificationStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT ` + notificationCols + `
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return out, nil
}
