package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukerupert/courier/internal/model"
)

// NotificationStore persists notification records. Business logic writes a
// record before handing the event to the dispatcher.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

const notificationCols = `id, user_id, type, title, message, data, read_at, created_at`

func scanNotification(scanner interface{ Scan(...any) error }) (model.Notification, error) {
	var n model.Notification
	var data string
	var readAt sql.NullTime
	if err := scanner.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &readAt, &n.CreatedAt); err != nil {
		return model.Notification{}, err
	}
	if readAt.Valid {
		n.ReadAt = &readAt.Time
	}
	if data != "" && data != "{}" {
		if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
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
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (user_id, type, title, message, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.UserID, n.Type, n.Title, n.Message, string(data), n.CreatedAt.UTC(),
	)
	if err != nil {
		return model.Notification{}, fmt.Errorf("create notification: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return model.Notification{}, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *NotificationStore) GetByID(ctx context.Context, id int64) (model.Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Notification{}, model.ErrNotFound
	}
	if err != nil {
		return model.Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// ListByUser returns up to limit notifications for userID, newest first.
func (s *NotificationStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
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
	return out, rows.Err()
}
