// Package delivery decides, per event, how a notification reaches a user:
// over live connections, through push, or both.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukerupert/courier/internal/model"
	"github.com/dukerupert/courier/internal/push"
	"github.com/dukerupert/courier/internal/websocket"
)

// Gateway is the real-time side of delivery.
type Gateway interface {
	IsUserPresent(userID string) bool
	EmitToUser(userID string, ev websocket.Event) bool
}

// Pusher is the durable push side of delivery.
type Pusher interface {
	Send(ctx context.Context, userID, title, body string, payload map[string]any) (push.Report, error)
}

// Policy selects when push is attempted.
type Policy string

const (
	// PolicyAlways pushes to registered devices even when the event was
	// delivered live.
	PolicyAlways Policy = "always"
	// PolicyAbsent pushes only when no live connection accepted the event.
	PolicyAbsent Policy = "absent"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAlways:
		return PolicyAlways, nil
	case PolicyAbsent:
		return PolicyAbsent, nil
	}
	return "", fmt.Errorf("unknown push policy %q (use always or absent)", s)
}

type Config struct {
	Policy    Policy
	Workers   int
	QueueSize int
	// JobTimeout caps a whole push job. Zero means no cap; the pusher
	// bounds each batch itself.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = PolicyAlways
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers * 64
	}
	return c
}

type job struct {
	ctx context.Context
	ev  model.DeliveryEvent
}

// Dispatcher is the single entry point business logic uses to notify a user.
// Push work runs on a bounded worker pool so Deliver never waits on a
// provider.
type Dispatcher struct {
	gw     Gateway
	pusher Pusher
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup

	dropped atomic.Int64
}

func New(gw Gateway, pusher Pusher, logger *slog.Logger, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		gw:     gw,
		pusher: pusher,
		cfg:    cfg,
		logger: logger.With("component", "dispatcher"),
		jobs:   make(chan job, cfg.QueueSize),
	}
	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	return d
}

// Deliver emits ev to the user's live connections and schedules push per
// policy. It never fails and never blocks on the network.
func (d *Dispatcher) Deliver(ctx context.Context, ev model.DeliveryEvent) {
	if ev.UserID == "" {
		d.logger.Warn("deliver without user id", "type", ev.Type)
		return
	}

	live := false
	if d.gw.IsUserPresent(ev.UserID) {
		live = d.gw.EmitToUser(ev.UserID, websocket.Event{
			Name:    websocket.TypeNotification,
			ID:      EventID(ev),
			Payload: ev.Envelope(),
		})
	}
	d.logger.Debug("delivered live", "user_id", ev.UserID, "live", live)

	if d.cfg.Policy == PolicyAbsent && live {
		return
	}
	d.enqueue(ctx, ev)
}

// EventID is the stable identifier clients de-duplicate notifications on.
func EventID(ev model.DeliveryEvent) string {
	if ev.NotificationID == "" {
		return ""
	}
	return "notification:" + ev.NotificationID
}

func (d *Dispatcher) enqueue(ctx context.Context, ev model.DeliveryEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("dispatcher closed, push skipped", "user_id", ev.UserID)
		return
	}
	select {
	case d.jobs <- job{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		d.dropped.Add(1)
		d.logger.Warn("push queue full, push skipped", "user_id", ev.UserID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("push job panicked", "user_id", j.ev.UserID, "panic", r)
		}
	}()

	ctx := j.ctx
	if d.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.JobTimeout)
		defer cancel()
	}

	report, err := d.pusher.Send(ctx, j.ev.UserID, j.ev.Title, j.ev.Body, j.ev.Payload)
	if err != nil {
		d.logger.Error("push send", "user_id", j.ev.UserID, "error", err)
		return
	}
	if report.Endpoints > 0 {
		d.logger.Debug("push sent",
			"user_id", j.ev.UserID,
			"endpoints", report.Endpoints,
			"succeeded", report.Succeeded,
			"transient", report.Transient,
			"deactivated", report.Deactivated,
		)
	}
}

// Dropped returns how many push jobs were skipped because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting push work and waits for queued jobs to finish or
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain push jobs: %w", ctx.Err())
	}
}
