package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/courier/internal/auth"
	"github.com/dukerupert/courier/internal/model"
	"github.com/dukerupert/courier/internal/presence"
)

// Authenticator verifies connection credentials.
type Authenticator interface {
	Authenticate(token string) (auth.Identity, error)
}

// Inbound handles application frames received on an authenticated
// connection. Errors implementing Code() string are reported with that code.
type Inbound interface {
	Join(ctx context.Context, userID, chatID string) error
	Send(ctx context.Context, userID, chatID, content, clientRef string) (model.ChatMessage, error)
	MarkRead(ctx context.Context, userID, chatID string) error
}

type Options struct {
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int
	ReadLimit    int64
}

func (o Options) withDefaults() Options {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 16
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	return o
}

// Hub is the connection gateway. It owns the live connections, their
// broadcast groups and the presence registry they populate.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[string]map[*Client]struct{}
	closed  bool

	presence *presence.Registry
	authn    Authenticator
	inbound  Inbound
	opts     Options
	logger   *slog.Logger
}

func NewHub(reg *presence.Registry, authn Authenticator, logger *slog.Logger, opts Options) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		groups:   make(map[string]map[*Client]struct{}),
		presence: reg,
		authn:    authn,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "gateway"),
	}
}

// SetInbound installs the handler for chat frames. Must be called before
// connections are accepted.
func (h *Hub) SetInbound(in Inbound) {
	h.inbound = in
}

// register binds an authenticated client to its user group and presence.
func (h *Hub) register(c *Client) bool {
	return h.admit(c, nil)
}

// admit registers c with greeting already queued, so no fan-out can reach
// the connection ahead of it.
func (h *Hub) admit(c *Client, greeting []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	if greeting != nil {
		select {
		case c.send <- greeting:
		default:
			return false
		}
	}
	h.clients[c.id] = c
	c.live = true
	h.joinLocked(c, UserGroup(c.userID))
	h.presence.Add(c.userID, c.id)
	return true
}

// unregister removes the client everywhere and closes its send channel. It
// is safe to call more than once.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !c.live {
		h.mu.Unlock()
		return
	}
	c.live = false
	delete(h.clients, c.id)
	for g := range c.groups {
		h.leaveLocked(c, g)
	}
	close(c.send)
	_, last := h.presence.Remove(c.id)
	h.mu.Unlock()

	if last {
		h.logger.Debug("user offline", "user_id", c.userID)
	}
}

func (h *Hub) join(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.live {
		h.joinLocked(c, group)
	}
}

func (h *Hub) leave(c *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, group)
}

func (h *Hub) joinLocked(c *Client, group string) {
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Client]struct{})
		h.groups[group] = members
	}
	members[c] = struct{}{}
	c.groups[group] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, group string) {
	delete(c.groups, group)
	if members, ok := h.groups[group]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
}

// drop disconnects a client whose transport can no longer keep up.
func (h *Hub) drop(c *Client, reason string) {
	h.logger.Warn("dropping connection", "user_id", c.userID, "conn_id", c.id, "reason", reason)
	h.unregister(c)
	go c.close(ws.StatusPolicyViolation, reason)
}

// EmitToUser fans ev out to every connection of userID. It reports whether
// at least one connection accepted the event.
func (h *Hub) EmitToUser(userID string, ev Event) bool {
	return h.EmitToGroup(UserGroup(userID), ev) > 0
}

// EmitToGroup enqueues ev on every member of group and returns how many
// accepted it. Members whose buffer is full are dropped; the others are
// unaffected.
func (h *Hub) EmitToGroup(group string, ev Event) int {
	data, err := encodeEvent(ev)
	if err != nil {
		h.logger.Error("encode event", "event", ev.Name, "error", err)
		return 0
	}

	var (
		sent int
		full []*Client
	)
	h.mu.RLock()
	for c := range h.groups[group] {
		select {
		case c.send <- data:
			sent++
		default:
			full = append(full, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range full {
		h.drop(c, "send buffer full")
	}
	return sent
}

func (h *Hub) IsUserPresent(userID string) bool {
	return h.presence.IsPresent(userID)
}

// ClientCount returns the number of authenticated connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close refuses new connections and closes every live one with a going away
// status.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.close(ws.StatusGoingAway, "server shutting down")
		}()
	}
	wg.Wait()
}

// errorCode maps an inbound handler error to a frame error code.
func errorCode(err error) string {
	var coded interface{ Code() string }
	switch {
	case errors.As(err, &coded):
		return coded.Code()
	case errors.Is(err, model.ErrValidation):
		return CodeInvalidRequest
	case errors.Is(err, model.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, model.ErrForbidden):
		return CodeForbidden
	}
	return CodeInternal
}
