// Package agent is a client for the real-time gateway. It keeps one logical
// chat surface in sync across reconnects: it re-authenticates with a fresh
// credential, rejoins its chat, resends unconfirmed messages and applies every
// server event exactly once.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/courier/internal/model"
	"github.com/dukerupert/courier/internal/websocket"
)

var (
	// ErrOffline is returned once reconnection attempts are exhausted.
	ErrOffline = errors.New("agent offline")
	// ErrUnauthorized means the gateway rejected the credential.
	ErrUnauthorized = errors.New("credential rejected")
)

type State int

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateJoined
	StateReconnecting
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

// TokenSource returns a currently valid credential. It is called before every
// authentication attempt.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Event is reported to OnEvent for every applied server event.
type Event struct {
	Kind         string
	Record       *Record
	Notification *model.NotificationPayload
	Read         *websocket.ReadEvent
	Err          *websocket.ErrorBody
}

type Config struct {
	URL    string
	Token  TokenSource
	ChatID string

	MaxRetries     uint64
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	DedupSize      int

	OnEvent func(Event)
	OnState func(State)
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 8
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Agent struct {
	cfg      Config
	timeline *Timeline
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	conn   *ws.Conn
	userID string
}

func New(cfg Config) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:      cfg,
		timeline: NewTimeline(cfg.DedupSize),
		logger:   cfg.Logger.With("component", "agent"),
	}
}

func (a *Agent) Timeline() *Timeline { return a.timeline }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	changed := a.state != s
	a.state = s
	a.mu.Unlock()
	if changed {
		a.logger.Debug("state", "state", s)
		if a.cfg.OnState != nil {
			a.cfg.OnState(s)
		}
	}
}

func (a *Agent) backoff() retry.Backoff {
	b := retry.NewExponential(a.cfg.BaseDelay)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(a.cfg.MaxDelay, b)
	return retry.WithMaxRetries(a.cfg.MaxRetries, b)
}

// Run connects and keeps the agent connected until ctx ends or reconnection
// is exhausted, in which case it returns ErrOffline.
func (a *Agent) Run(ctx context.Context) error {
	defer func() {
		if a.State() != StateOffline {
			a.setState(StateDisconnected)
		}
	}()

	for {
		var conn *ws.Conn
		attempt := 0
		err := retry.Do(ctx, a.backoff(), func(ctx context.Context) error {
			if attempt > 0 {
				a.setState(StateReconnecting)
			}
			attempt++
			c, err := a.connect(ctx)
			if err != nil {
				a.logger.Debug("connect failed", "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			conn = c
			return nil
		})
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close(ws.StatusNormalClosure, "")
			}
			return nil
		}
		if err != nil {
			a.setState(StateOffline)
			return fmt.Errorf("%w: %v", ErrOffline, err)
		}

		err = a.serve(ctx, conn)
		if ctx.Err() != nil {
			conn.Close(ws.StatusNormalClosure, "")
			return nil
		}
		a.logger.Info("disconnected", "status", ws.CloseStatus(err), "error", err)
		a.setState(StateReconnecting)

		// A peer that accepts and then drops at once must not be redialed in
		// a tight loop.
		t := time.NewTimer(a.cfg.BaseDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// connect dials and authenticates. The returned connection is bound to the
// user group; user events may follow immediately.
func (a *Agent) connect(ctx context.Context) (*ws.Conn, error) {
	a.setState(StateAuthenticating)

	token, err := a.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain token: %w", err)
	}

	dctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	conn, _, err := ws.Dial(dctx, a.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	if err := writeFrame(dctx, conn, websocket.TypeAuth, "auth", websocket.AuthPayload{Token: token}); err != nil {
		conn.CloseNow()
		return nil, err
	}
	f, err := readFrame(dctx, conn)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("await authenticated: %w", err)
	}
	if f.Type != websocket.TypeAuthenticated {
		conn.CloseNow()
		if f.Error != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, f.Error.Message)
		}
		return nil, fmt.Errorf("unexpected %s frame during handshake", f.Type)
	}
	var p websocket.AuthenticatedPayload
	json.Unmarshal(f.Payload, &p)

	a.mu.Lock()
	a.conn = conn
	a.userID = p.UserID
	a.mu.Unlock()
	return conn, nil
}

// serve joins the chat, resends pending messages and applies events until
// the connection drops.
func (a *Agent) serve(ctx context.Context, conn *ws.Conn) error {
	a.setState(StateJoined)
	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
	}()

	if a.cfg.ChatID != "" {
		wctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		err := writeFrame(wctx, conn, websocket.TypeJoin, "join", websocket.ChatPayload{ChatID: a.cfg.ChatID})
		cancel()
		if err != nil {
			return err
		}
		for _, r := range a.timeline.Pending() {
			if err := a.writeSend(ctx, conn, r); err != nil {
				return err
			}
		}
	}

	for {
		f, err := readFrame(ctx, conn)
		if err != nil {
			return err
		}
		a.apply(f)
	}
}

func (a *Agent) apply(f websocket.Frame) {
	switch f.Type {
	case websocket.TypeNotification:
		var n model.NotificationPayload
		if err := json.Unmarshal(f.Payload, &n); err != nil {
			a.logger.Warn("malformed notification", "error", err)
			return
		}
		if a.timeline.ApplyNotification(f.ID, n) {
			a.emit(Event{Kind: websocket.TypeNotification, Notification: &n})
		}
	case websocket.TypeMessage, websocket.TypeAck:
		if f.Type == websocket.TypeAck && f.ID == "" {
			// Acks for join/read/leave carry no event.
			return
		}
		var ev websocket.MessageEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			a.logger.Warn("malformed message", "error", err)
			return
		}
		if r, ok := a.timeline.ApplyMessage(f.ID, ev); ok {
			a.emit(Event{Kind: websocket.TypeMessage, Record: &r})
		}
	case websocket.TypeRead:
		var ev websocket.ReadEvent
		if json.Unmarshal(f.Payload, &ev) == nil {
			a.emit(Event{Kind: websocket.TypeRead, Read: &ev})
		}
	case websocket.TypeError:
		a.logger.Warn("gateway error", "ref", f.Ref, "error", f.Error)
		a.emit(Event{Kind: websocket.TypeError, Err: f.Error})
	}
}

func (a *Agent) emit(ev Event) {
	if a.cfg.OnEvent != nil {
		a.cfg.OnEvent(ev)
	}
}

// Send adds an optimistic local record and sends it if connected. While
// disconnected the record stays pending and is sent after the next join.
func (a *Agent) Send(ctx context.Context, content string) (Record, error) {
	if a.cfg.ChatID == "" {
		return Record{}, errors.New("agent has no chat")
	}
	a.mu.Lock()
	state, conn, userID := a.state, a.conn, a.userID
	a.mu.Unlock()
	if state == StateOffline {
		return Record{}, ErrOffline
	}

	r := a.timeline.AddPending(a.cfg.ChatID, userID, content, uuid.NewString())
	a.emit(Event{Kind: websocket.TypeMessage, Record: &r})
	if conn != nil && state == StateJoined {
		if err := a.writeSend(ctx, conn, r); err != nil {
			a.logger.Debug("send deferred until reconnect", "client_ref", r.ClientRef, "error", err)
		}
	}
	return r, nil
}

func (a *Agent) writeSend(ctx context.Context, conn *ws.Conn, r Record) error {
	wctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	return writeFrame(wctx, conn, websocket.TypeSend, r.ClientRef, websocket.SendPayload{
		ChatID:    r.ChatID,
		Content:   r.Content,
		ClientRef: r.ClientRef,
	})
}

func writeFrame(ctx context.Context, conn *ws.Conn, typ, ref string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	data, err := json.Marshal(websocket.Frame{Type: typ, Ref: ref, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", typ, err)
	}
	if err := conn.Write(ctx, ws.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

func readFrame(ctx context.Context, conn *ws.Conn) (websocket.Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return websocket.Frame{}, err
	}
	var f websocket.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return websocket.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
