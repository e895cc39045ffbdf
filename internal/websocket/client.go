package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dukerupert/courier/internal/auth"
)

var errLogout = errors.New("logout")

// Client represents a single authenticated WebSocket connection.
type Client struct {
	id     string
	userID string
	hub    *Hub
	conn   *ws.Conn
	send   chan []byte

	// guarded by hub.mu
	live   bool
	groups map[string]struct{}

	expiryMu sync.Mutex
	expiry   *time.Timer

	closeOnce sync.Once
}

func newClient(h *Hub, conn *ws.Conn, userID string) *Client {
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.opts.SendBuffer),
		groups: make(map[string]struct{}),
	}
}

// ServeConn authenticates conn and runs it until it closes. token may be
// empty, in which case the first frame must be an auth frame.
func (h *Hub) ServeConn(ctx context.Context, conn *ws.Conn, token string) {
	conn.SetReadLimit(h.opts.ReadLimit)

	id, ref, err := h.handshake(ctx, conn, token)
	if err != nil {
		h.logger.Debug("handshake failed", "error", err)
		return
	}

	c := newClient(h, conn, id.UserID)
	greeting, _ := json.Marshal(Frame{
		Type: TypeAuthenticated,
		ID:   uuid.NewString(),
		Ref:  ref,
		Payload: mustJSON(AuthenticatedPayload{
			UserID:       c.userID,
			ConnectionID: c.id,
			ExpiresAt:    id.ExpiresAt.Unix(),
		}),
	})
	if !h.admit(c, greeting) {
		conn.Close(ws.StatusGoingAway, "server shutting down")
		return
	}
	h.logger.Debug("connection authenticated", "user_id", c.userID, "conn_id", c.id)

	c.scheduleExpiry(id.ExpiresAt)

	c.run(ctx)
}

// handshake resolves the connection credential. Failures are reported to the
// peer and the connection is closed before returning.
func (h *Hub) handshake(ctx context.Context, conn *ws.Conn, token string) (auth.Identity, string, error) {
	var ref string
	if token == "" {
		actx, cancel := context.WithTimeout(ctx, h.opts.AuthTimeout)
		defer cancel()

		// coder/websocket closes the connection with a policy violation
		// when the read context expires.
		typ, data, err := conn.Read(actx)
		if err != nil {
			conn.Close(ws.StatusPolicyViolation, "authentication timeout")
			return auth.Identity{}, "", fmt.Errorf("read auth frame: %w", err)
		}
		var f Frame
		if typ != ws.MessageText || json.Unmarshal(data, &f) != nil || f.Type != TypeAuth {
			h.reject(ctx, conn, f.Ref, "first frame must be auth")
			return auth.Identity{}, "", errors.New("first frame not auth")
		}
		var p AuthPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.reject(ctx, conn, f.Ref, "malformed auth payload")
			return auth.Identity{}, "", fmt.Errorf("decode auth payload: %w", err)
		}
		token, ref = p.Token, f.Ref
	}

	id, err := h.authn.Authenticate(token)
	if err != nil {
		h.reject(ctx, conn, ref, err.Error())
		return auth.Identity{}, "", err
	}
	return id, ref, nil
}

func (h *Hub) reject(ctx context.Context, conn *ws.Conn, ref, msg string) {
	wctx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
	defer cancel()
	conn.Write(wctx, ws.MessageText, encodeError(ref, CodeUnauthorized, msg))
	conn.Close(StatusUnauthorized, "re-authenticate")
}

func (c *Client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump(ctx)
	}()

	err := c.readPump(ctx)

	// Closing send lets the write pump flush what is queued and exit.
	c.hub.unregister(c)
	<-writeDone
	c.stopExpiry()

	if errors.Is(err, errLogout) {
		c.close(ws.StatusNormalClosure, "logout")
		return
	}
	c.close(ws.StatusNormalClosure, "")
}

// readPump decodes frames and handles them in order until the connection
// fails or the client logs out.
func (c *Client) readPump(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if s := ws.CloseStatus(err); s == -1 {
				c.hub.logger.Debug("read failed", "user_id", c.userID, "conn_id", c.id, "error", err)
			}
			return err
		}
		if typ != ws.MessageText {
			c.enqueue(encodeError("", CodeUnsupported, "binary frames are not supported"))
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(encodeError("", CodeBadRequest, "malformed frame"))
			continue
		}
		if err := c.handle(ctx, f); err != nil {
			return err
		}
	}
}

// writePump drains the send channel and writes messages to the WebSocket.
// It also sends periodic pings to detect stale connections.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, c.hub.opts.WriteTimeout)
			err := c.conn.Write(wctx, ws.MessageText, msg)
			cancel()
			if err != nil {
				c.hub.drop(c, "write failed: "+err.Error())
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.hub.opts.WriteTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.hub.drop(c, "ping failed: "+err.Error())
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// enqueue queues a frame for this connection only. A full buffer drops the
// connection.
func (c *Client) enqueue(data []byte) bool {
	c.hub.mu.RLock()
	if !c.live {
		c.hub.mu.RUnlock()
		return false
	}
	select {
	case c.send <- data:
		c.hub.mu.RUnlock()
		return true
	default:
		c.hub.mu.RUnlock()
		c.hub.drop(c, "send buffer full")
		return false
	}
}

func (c *Client) close(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close(code, reason)
		}
	})
}

// scheduleExpiry closes the connection once the credential expires.
func (c *Client) scheduleExpiry(at time.Time) {
	c.expiryMu.Lock()
	defer c.expiryMu.Unlock()

	if c.expiry != nil {
		c.expiry.Stop()
	}
	c.expiry = time.AfterFunc(time.Until(at), func() {
		c.hub.logger.Debug("credential expired", "user_id", c.userID, "conn_id", c.id)
		c.hub.unregister(c)
		c.close(StatusUnauthorized, "credential expired")
	})
}

func (c *Client) stopExpiry() {
	c.expiryMu.Lock()
	defer c.expiryMu.Unlock()
	if c.expiry != nil {
		c.expiry.Stop()
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
