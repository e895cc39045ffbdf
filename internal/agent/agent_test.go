package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/courier/internal/auth"
	"github.com/dukerupert/courier/internal/chat"
	"github.com/dukerupert/courier/internal/database"
	"github.com/dukerupert/courier/internal/model"
	"github.com/dukerupert/courier/internal/presence"
	"github.com/dukerupert/courier/internal/store"
	"github.com/dukerupert/courier/internal/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func msgEvent(id int64, sender, content, clientRef string) websocket.MessageEvent {
	return websocket.MessageEvent{
		ChatID: "c1",
		Message: model.ChatMessage{
			ID: id, ChatID: "c1", SenderID: sender, Content: content, ClientRef: clientRef,
		},
	}
}

func TestTimelineAckThenBroadcast(t *testing.T) {
	tl := NewTimeline(0)
	tl.AddPending("c1", "alice", "hi", "ref-1")

	ev := msgEvent(7, "alice", "hi", "ref-1")
	r, ok := tl.ApplyMessage(websocket.MessageEventID(7), ev)
	if !ok {
		t.Fatal("ack not applied")
	}
	if r.Status != StatusConfirmed || r.MessageID != 7 || r.ID != "message:7" {
		t.Errorf("record = %+v", r)
	}
	if _, ok := tl.ApplyMessage(websocket.MessageEventID(7), ev); ok {
		t.Error("broadcast after ack applied twice")
	}

	msgs := tl.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if len(tl.Pending()) != 0 {
		t.Error("record still pending")
	}
}

func TestTimelineBroadcastThenAck(t *testing.T) {
	tl := NewTimeline(0)
	tl.AddPending("c1", "alice", "hi", "ref-1")

	ev := msgEvent(3, "alice", "hi", "ref-1")
	if _, ok := tl.ApplyMessage("message:3", ev); !ok {
		t.Fatal("broadcast not applied")
	}
	if _, ok := tl.ApplyMessage("message:3", ev); ok {
		t.Error("ack after broadcast applied twice")
	}
	if n := len(tl.Messages()); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
}

func TestTimelineRemoteMessage(t *testing.T) {
	tl := NewTimeline(0)
	r, ok := tl.ApplyMessage("message:1", msgEvent(1, "bob", "yo", ""))
	if !ok || r.SenderID != "bob" || r.Status != StatusConfirmed {
		t.Fatalf("remote message = %+v, %v", r, ok)
	}
	tl.ApplyMessage("message:2", msgEvent(2, "bob", "again", ""))
	if n := len(tl.Messages()); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestTimelineNotificationDedup(t *testing.T) {
	tl := NewTimeline(0)
	n := model.NotificationPayload{Title: "bob", Message: "yo"}
	if !tl.ApplyNotification("notification:1", n) {
		t.Fatal("first delivery not applied")
	}
	if tl.ApplyNotification("notification:1", n) {
		t.Error("duplicate delivery applied")
	}
	if !tl.ApplyNotification("", n) {
		t.Error("event without id should always apply")
	}
	if got := len(tl.Notifications()); got != 2 {
		t.Errorf("notifications = %d, want 2", got)
	}
}

func TestDedupEviction(t *testing.T) {
	d := newDedup(2)
	d.add("a")
	d.add("b")
	if d.add("a") {
		t.Error("a should still be remembered")
	}
	d.add("c") // evicts a
	if !d.add("a") {
		t.Error("a should have been evicted")
	}
	if d.add("c") {
		t.Error("c should be remembered")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateDisconnected:   "disconnected",
		StateAuthenticating: "authenticating",
		StateJoined:         "joined",
		StateReconnecting:   "reconnecting",
		StateOffline:        "offline",
		State(42):           "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}

func TestRunGivesUpWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	var states []State
	var mu sync.Mutex
	a := New(Config{
		URL:        url,
		Token:      StaticToken("t"),
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Logger:     discardLogger(),
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Run(ctx)
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("Run = %v, want ErrOffline", err)
	}
	if a.State() != StateOffline {
		t.Errorf("state = %v, want offline", a.State())
	}
	if _, err := a.Send(ctx, "hi"); err == nil {
		t.Error("Send on an agent without chat should fail")
	}

	mu.Lock()
	defer mu.Unlock()
	var sawReconnecting bool
	for _, s := range states {
		if s == StateReconnecting {
			sawReconnecting = true
		}
	}
	if !sawReconnecting {
		t.Errorf("states = %v, want a reconnecting phase", states)
	}
}

func TestRedialAfterDropWaits(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		writeFrame(ctx, conn, websocket.TypeAuthenticated, "auth", websocket.AuthenticatedPayload{UserID: "alice"})
		conn.Close(ws.StatusGoingAway, "bye")
	}))
	defer srv.Close()

	a := New(Config{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:     StaticToken("t"),
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
		Logger:    discardLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 550*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}

	// Roughly one dial per base delay; an unthrottled loop dials hundreds of times.
	if n := dials.Load(); n < 2 || n > 8 {
		t.Errorf("dials = %d, want between 2 and 8", n)
	}
}

type nopDelivery struct{}

func (nopDelivery) Deliver(context.Context, model.DeliveryEvent) {}

type gateway struct {
	url      string
	verifier *auth.Verifier
	chat     *chat.Service
	hub      *websocket.Hub
}

func startGateway(t *testing.T) *gateway {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	verifier, err := auth.NewVerifier([]byte("test-secret-0123456789"), "HS256")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	logger := discardLogger()
	hub := websocket.NewHub(presence.New(), verifier, logger, websocket.Options{})
	svc := chat.NewService(store.NewChatStore(db), store.NewNotificationStore(db), hub, nopDelivery{}, logger)
	hub.SetInbound(svc)

	if _, err := svc.CreateChat(context.Background(), "alice", "c1", []string{"bob"}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	srv := httptest.NewServer(websocket.HandleWebSocket(hub, nil))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &gateway{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		verifier: verifier,
		chat:     svc,
		hub:      hub,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func confirmed(tl *Timeline) int {
	n := 0
	for _, r := range tl.Messages() {
		if r.Status == StatusConfirmed {
			n++
		}
	}
	return n
}

func TestAgentResendsPendingAfterJoin(t *testing.T) {
	gw := startGateway(t)
	token, _, err := gw.verifier.Issue("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	a := New(Config{
		URL:       gw.url,
		Token:     StaticToken(token),
		ChatID:    "c1",
		BaseDelay: 10 * time.Millisecond,
		Logger:    discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sent before the first connection; stays pending until joined.
	r, err := a.Send(ctx, "queued")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if r.Status != StatusPending {
		t.Fatalf("status = %v, want pending", r.Status)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "queued message confirmed", func() bool { return confirmed(a.Timeline()) == 1 })

	msgs := a.Timeline().Messages()
	if len(msgs) != 1 || msgs[0].ClientRef != r.ClientRef || msgs[0].MessageID == 0 {
		t.Errorf("messages = %+v", msgs)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAgentReconnectsAfterExpiry(t *testing.T) {
	gw := startGateway(t)

	// First credential expires shortly after the handshake; later ones last.
	var issued atomic.Int32
	tokens := func(ctx context.Context) (string, error) {
		ttl := time.Hour
		if issued.Add(1) == 1 {
			ttl = 1500 * time.Millisecond
		}
		tok, _, err := gw.verifier.Issue("alice", ttl)
		return tok, err
	}

	var (
		mu     sync.Mutex
		joins  int
		events []Event
	)
	a := New(Config{
		URL:       gw.url,
		Token:     tokens,
		ChatID:    "c1",
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
		Logger:    discardLogger(),
		OnState: func(s State) {
			if s == StateJoined {
				mu.Lock()
				joins++
				mu.Unlock()
			}
		},
		OnEvent: func(ev Event) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	waitFor(t, "first join", func() bool { return a.State() == StateJoined })
	if _, err := a.Send(ctx, "before"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "first message confirmed", func() bool { return confirmed(a.Timeline()) == 1 })

	waitFor(t, "rejoin after expiry", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return joins >= 2 && a.State() == StateJoined
	})
	if n := issued.Load(); n < 2 {
		t.Errorf("tokens issued = %d, want a fresh one per connection", n)
	}

	if _, err := a.Send(ctx, "after"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := gw.chat.Send(ctx, "bob", "c1", "from bob", ""); err != nil {
		t.Fatalf("bob send: %v", err)
	}
	waitFor(t, "all messages confirmed", func() bool { return confirmed(a.Timeline()) == 3 })

	msgs := a.Timeline().Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	seen := make(map[int64]bool)
	for _, m := range msgs {
		if seen[m.MessageID] {
			t.Errorf("message %d applied twice", m.MessageID)
		}
		seen[m.MessageID] = true
	}
}

func TestAgentAppliesNotificationOnce(t *testing.T) {
	gw := startGateway(t)
	token, _, err := gw.verifier.Issue("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	a := New(Config{URL: gw.url, Token: StaticToken(token), Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	waitFor(t, "join", func() bool { return a.State() == StateJoined })

	ev := websocket.Event{
		Name:    websocket.TypeNotification,
		ID:      "notification:99",
		Payload: model.NotificationPayload{Title: "t", Message: "b"},
	}
	for i := 0; i < 3; i++ {
		if !gw.hub.EmitToUser("alice", ev) {
			t.Fatalf("emit %d: alice not present", i)
		}
	}
	ev.ID = "notification:100"
	gw.hub.EmitToUser("alice", ev)

	waitFor(t, "notifications", func() bool { return len(a.Timeline().Notifications()) >= 2 })
	time.Sleep(50 * time.Millisecond)
	if got := len(a.Timeline().Notifications()); got != 2 {
		t.Errorf("notifications = %d, want 2", got)
	}
}

func TestAgentRejectedCredentialGoesOffline(t *testing.T) {
	gw := startGateway(t)
	a := New(Config{
		URL:        gw.url,
		Token:      StaticToken("garbage"),
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		Logger:     discardLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.Run(ctx)
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("Run = %v, want ErrOffline", err)
	}
	if !strings.Contains(fmt.Sprint(err), ErrUnauthorized.Error()) {
		t.Errorf("error %q should mention the rejected credential", err)
	}
}
