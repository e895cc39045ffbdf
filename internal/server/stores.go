package server

import (
	"context"
	"fmt"

	"github.com/dukerupert/courier/internal/chat"
	"github.com/dukerupert/courier/internal/config"
	"github.com/dukerupert/courier/internal/database"
	"github.com/dukerupert/courier/internal/push"
	"github.com/dukerupert/courier/internal/store"
	"github.com/dukerupert/courier/internal/store/postgres"
)

// Stores groups the durable collaborators. Both backends implement the same
// store interfaces.
type Stores struct {
	Devices       push.DeviceRegistry
	Chats         chat.Store
	Notifications chat.NotificationStore
	Ping          func(ctx context.Context) error
	Close         func()
	Backend       string
}

// OpenStores opens SQLite, or Postgres when the DSN is a postgres URL, and
// applies migrations.
func OpenStores(ctx context.Context, cfg config.Config) (Stores, error) {
	if cfg.UsesPostgres() {
		pool, err := postgres.Open(ctx, cfg.DB)
		if err != nil {
			return Stores{}, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return Stores{}, fmt.Errorf("migrate postgres: %w", err)
		}
		return Stores{
			Devices:       postgres.NewDeviceStore(pool),
			Chats:         postgres.NewChatStore(pool),
			Notifications: postgres.NewNotificationStore(pool),
			Ping:          pool.Ping,
			Close:         pool.Close,
			Backend:       "postgres",
		}, nil
	}

	db, err := database.OpenContext(ctx, cfg.DB)
	if err != nil {
		return Stores{}, err
	}
	return Stores{
		Devices:       store.NewDeviceStore(db),
		Chats:         store.NewChatStore(db),
		Notifications: store.NewNotificationStore(db),
		Ping:          db.PingContext,
		Close:         func() { db.Close() },
		Backend:       "sqlite",
	}, nil
}
