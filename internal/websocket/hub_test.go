package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/courier/internal/presence"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(opts Options) *Hub {
	return NewHub(presence.New(), stubAuth{}, testLogger(), opts)
}

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, userID string, buffer int) *Client {
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		hub:    hub,
		send:   make(chan []byte, buffer),
		groups: make(map[string]struct{}),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := newTestHub(Options{})

	c1 := mockClient(hub, "alice", 4)
	c2 := mockClient(hub, "alice", 4)
	hub.register(c1)
	hub.register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if !hub.IsUserPresent("alice") {
		t.Fatal("expected alice present")
	}

	hub.unregister(c1)
	if !hub.IsUserPresent("alice") {
		t.Fatal("expected alice present with one connection left")
	}

	hub.unregister(c2)
	if hub.IsUserPresent("alice") {
		t.Fatal("expected alice absent after last connection")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestAdmitQueuesGreetingFirst(t *testing.T) {
	hub := newTestHub(Options{})
	c := mockClient(hub, "alice", 4)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.EmitToUser("alice", Event{Name: TypeNotification, Payload: "early"})
			}
		}
	}()

	if !hub.admit(c, []byte(`{"type":"authenticated"}`)) {
		t.Fatal("admit refused")
	}
	close(stop)
	wg.Wait()

	first := <-c.send
	if string(first) != `{"type":"authenticated"}` {
		t.Errorf("first frame = %s, want the greeting", first)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := newTestHub(Options{})
	c := mockClient(hub, "alice", 1)
	hub.register(c)
	hub.unregister(c)
	// Should not panic
	hub.unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestEmitToUserFanOut(t *testing.T) {
	hub := newTestHub(Options{})

	clients := []*Client{mockClient(hub, "alice", 4), mockClient(hub, "alice", 4), mockClient(hub, "alice", 4)}
	for _, c := range clients {
		hub.register(c)
	}
	other := mockClient(hub, "bob", 4)
	hub.register(other)

	ok := hub.EmitToUser("alice", Event{Name: TypeNotification, ID: "n1", Payload: map[string]any{"title": "hi"}})
	if !ok {
		t.Fatal("expected a live target")
	}

	for i, c := range clients {
		select {
		case data := <-c.send:
			var f Frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if f.Type != TypeNotification || f.ID != "n1" {
				t.Errorf("client %d got %+v", i, f)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("client %d: timeout waiting for message", i)
		}
	}
	select {
	case <-other.send:
		t.Error("bob should not receive alice's event")
	default:
	}
}

func TestEmitToUserAbsent(t *testing.T) {
	hub := newTestHub(Options{})
	if hub.EmitToUser("nobody", Event{Name: TypeNotification}) {
		t.Error("expected no live target")
	}
}

func TestEmitDropsStuckConnectionOnly(t *testing.T) {
	hub := newTestHub(Options{})

	stuck := mockClient(hub, "alice", 0)
	healthy := mockClient(hub, "alice", 4)
	hub.register(stuck)
	hub.register(healthy)

	if !hub.EmitToUser("alice", Event{Name: TypeNotification}) {
		t.Fatal("expected the healthy connection to accept the event")
	}
	select {
	case <-healthy.send:
	default:
		t.Fatal("healthy connection missed the event")
	}

	if got := hub.ClientCount(); got != 1 {
		t.Errorf("expected stuck connection dropped, %d clients remain", got)
	}
	if !hub.IsUserPresent("alice") {
		t.Error("alice should remain present through the healthy connection")
	}
}

func TestEmitToGroup(t *testing.T) {
	hub := newTestHub(Options{})
	a := mockClient(hub, "alice", 4)
	b := mockClient(hub, "bob", 4)
	hub.register(a)
	hub.register(b)

	hub.join(a, ChatGroup("c1"))
	hub.join(b, ChatGroup("c1"))
	if n := hub.EmitToGroup(ChatGroup("c1"), Event{Name: TypeMessage}); n != 2 {
		t.Fatalf("delivered to %d, want 2", n)
	}

	hub.leave(b, ChatGroup("c1"))
	if n := hub.EmitToGroup(ChatGroup("c1"), Event{Name: TypeMessage}); n != 1 {
		t.Fatalf("delivered to %d after leave, want 1", n)
	}

	hub.unregister(a)
	if n := hub.EmitToGroup(ChatGroup("c1"), Event{Name: TypeMessage}); n != 0 {
		t.Fatalf("delivered to %d after unregister, want 0", n)
	}
}

func TestEncodeEventAssignsID(t *testing.T) {
	data, err := encodeEvent(Event{Name: TypeNotification})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var f Frame
	json.Unmarshal(data, &f)
	if f.ID == "" {
		t.Error("expected generated id")
	}
	if MessageEventID(7) != "message:7" {
		t.Errorf("MessageEventID = %q", MessageEventID(7))
	}
}

func TestCloseRefusesNewClients(t *testing.T) {
	hub := newTestHub(Options{})
	hub.register(mockClient(hub, "alice", 1))
	hub.Close()
	if hub.register(mockClient(hub, "bob", 1)) {
		t.Error("expected register to fail after Close")
	}
}

func TestConcurrentAccess(t *testing.T) {
	hub := newTestHub(Options{})
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub, "alice", 32)
			hub.register(c)
			hub.EmitToUser("alice", Event{Name: TypeNotification})
			hub.IsUserPresent("alice")
			hub.unregister(c)
		}()
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
	if hub.IsUserPresent("alice") {
		t.Error("expected alice absent after concurrent test")
	}
}
