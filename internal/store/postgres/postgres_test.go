package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dukerupert/courier/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("COURIER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COURIER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func TestDeviceStoreLifecycle(t *testing.T) {
	ds := NewDeviceStore(testPool(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	token := "tok-" + uuid.NewString()
	userA := "a-" + uuid.NewString()
	userB := "b-" + uuid.NewString()

	first, err := ds.Upsert(ctx, userA, token, model.PlatformAndroid, "", now)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := ds.Upsert(ctx, userB, token, model.PlatformIOS, "phone", now.Add(time.Second))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != first.ID || second.UserID != userB {
		t.Fatalf("expected ownership transfer on the same row, got %+v", second)
	}

	changed, err := ds.Deactivate(ctx, token, first.Version, now)
	if err != nil {
		t.Fatalf("deactivate stale: %v", err)
	}
	if changed {
		t.Error("stale version should not deactivate")
	}
	changed, _ = ds.Deactivate(ctx, token, second.Version, now)
	if !changed {
		t.Error("expected current version to deactivate")
	}

	active, err := ds.ListActive(ctx, userB)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("active = %d, want 0", len(active))
	}
	if err := ds.DeactivateForUser(ctx, userA, token, now); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("deactivate for previous owner = %v, want ErrNotFound", err)
	}
}

func TestChatStoreClientRefDedup(t *testing.T) {
	pool := testPool(t)
	cs := NewChatStore(pool)
	ctx := context.Background()
	chatID := "c-" + uuid.NewString()

	if _, err := cs.Create(ctx, chatID, []string{"alice", "bob"}, time.Now()); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	msg := model.ChatMessage{ChatID: chatID, SenderID: "alice", Content: "hi", ClientRef: "r1", CreatedAt: time.Now()}
	a, _, err := cs.CreateMessage(ctx, msg)
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	b, created, err := cs.CreateMessage(ctx, msg)
	if err != nil {
		t.Fatalf("retry message: %v", err)
	}
	if created {
		t.Error("retry should not report a new row")
	}
	if a.ID != b.ID {
		t.Errorf("retry produced a second row: %d != %d", a.ID, b.ID)
	}

	ns := NewNotificationStore(pool)
	n, err := ns.Create(ctx, model.Notification{UserID: "bob", Type: model.NotifTypeChatMessage, Title: "t", Message: "m", Data: map[string]any{"chatId": chatID}, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("create notification: %v", err)
	}
	if n.Data["chatId"] != chatID {
		t.Errorf("data = %v", n.Data)
	}
}
