package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cws "github.com/coder/websocket"

	"github.com/dukerupert/courier/internal/config"
	"github.com/dukerupert/courier/internal/model"
	ws "github.com/dukerupert/courier/internal/websocket"
)

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg, err := config.LoadFromEnv(func(k string) string {
		switch k {
		case "COURIER_JWT_SECRET":
			return "server-test-secret-0123"
		case "COURIER_DB":
			return ":memory:"
		}
		return ""
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		t.Fatalf("open stores: %v", err)
	}
	t.Cleanup(stores.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(ctx, cfg, stores, logger)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	hs := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		hs.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	})
	return srv, hs
}

func token(t *testing.T, srv *Server, user string) string {
	t.Helper()
	tok, _, err := srv.Verifier().Issue(user, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func request(t *testing.T, hs *httptest.Server, method, path, tok, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, hs.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func dialUser(t *testing.T, ctx context.Context, hs *httptest.Server, tok string) *cws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws?token=" + tok
	conn, _, err := cws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	if f := readFrame(t, ctx, conn); f.Type != ws.TypeAuthenticated {
		t.Fatalf("first frame = %s", f.Type)
	}
	return conn
}

func readFrame(t *testing.T, ctx context.Context, conn *cws.Conn) ws.Frame {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f ws.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func TestPublicRoutes(t *testing.T) {
	_, hs := startServer(t)

	if resp := request(t, hs, "GET", "/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
	if resp := request(t, hs, "GET", "/push/vapid-key", "", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("vapid key without web push = %d, want 404", resp.StatusCode)
	}
	if resp := request(t, hs, "GET", "/notifications", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d, want 401", resp.StatusCode)
	}
}

func TestDeviceRegistrationRateLimited(t *testing.T) {
	srv, hs := startServer(t)
	tok := token(t, srv, "alice")

	for i := 0; i < 10; i++ {
		resp := request(t, hs, "POST", "/notifications/device-token", tok, `{"token":"T1","platform":"android"}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("register %d = %d", i, resp.StatusCode)
		}
	}
	resp := request(t, hs, "POST", "/notifications/device-token", tok, `{"token":"T1","platform":"android"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("11th register = %d, want 429", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("429 content type = %q", ct)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if apiErr.Error.Code != "rate_limited" || apiErr.Error.Message == "" {
		t.Errorf("429 error = %+v", apiErr.Error)
	}

	// Another user has their own budget.
	if resp := request(t, hs, "POST", "/notifications/device-token", token(t, srv, "bob"), `{"token":"T2","platform":"android"}`); resp.StatusCode == http.StatusTooManyRequests {
		t.Error("bob limited by alice's requests")
	}

	resp = request(t, hs, "GET", "/notifications/devices", tok, "")
	var list []model.DeviceEndpoint
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 1 {
		t.Errorf("devices = %d, want 1", len(list))
	}
}

func TestChatMessageReachesConnectedMember(t *testing.T) {
	srv, hs := startServer(t)
	alice, bob := token(t, srv, "alice"), token(t, srv, "bob")

	if resp := request(t, hs, "POST", "/chats", bob, `{"id":"c1","members":["alice"]}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create chat = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws?token=" + alice
	conn, _, err := cws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() ws.Frame { return readFrame(t, ctx, conn) }
	if f := read(); f.Type != ws.TypeAuthenticated {
		t.Fatalf("first frame = %s", f.Type)
	}
	if !srv.Hub().IsUserPresent("alice") {
		t.Fatal("alice should be present")
	}

	if resp := request(t, hs, "POST", "/chats/c1/messages", bob, `{"content":"hi alice"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("send = %d", resp.StatusCode)
	}

	f := read()
	if f.Type != ws.TypeNotification {
		t.Fatalf("frame = %s, want notification", f.Type)
	}
	if !strings.HasPrefix(f.ID, "notification:") {
		t.Errorf("notification id = %q", f.ID)
	}
	var n model.NotificationPayload
	json.Unmarshal(f.Payload, &n)
	if n.Message != "hi alice" || n.Data["chatId"] != "c1" {
		t.Errorf("payload = %+v", n)
	}

	resp := request(t, hs, "GET", "/notifications", alice, "")
	var list []model.Notification
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 1 {
		t.Errorf("stored notifications = %d, want 1", len(list))
	}
}

func TestDelivererEmitsToConnectedUser(t *testing.T) {
	srv, hs := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialUser(t, ctx, hs, token(t, srv, "carol"))

	srv.Deliverer().Deliver(ctx, model.DeliveryEvent{
		UserID:         "carol",
		Title:          "Reminder",
		Body:           "standup in 5",
		Type:           "reminder",
		NotificationID: "42",
	})

	f := readFrame(t, ctx, conn)
	if f.Type != ws.TypeNotification || f.ID != "notification:42" {
		t.Fatalf("frame = %s %q", f.Type, f.ID)
	}
	var n model.NotificationPayload
	json.Unmarshal(f.Payload, &n)
	if n.Title != "Reminder" || n.Message != "standup in 5" {
		t.Errorf("payload = %+v", n)
	}
}
