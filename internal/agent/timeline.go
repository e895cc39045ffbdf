package agent

import (
	"sync"
	"time"

	"github.com/dukerupert/courier/internal/model"
	"github.com/dukerupert/courier/internal/websocket"
)

type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
)

func (s Status) String() string {
	if s == StatusConfirmed {
		return "confirmed"
	}
	return "pending"
}

// Record is one chat message in local state. A record sent by this agent
// starts Pending under its client ref and becomes Confirmed in place when
// the server assigns it an id.
type Record struct {
	ID        string
	ClientRef string
	MessageID int64
	ChatID    string
	SenderID  string
	Content   string
	Status    Status
	CreatedAt time.Time
}

// Timeline is the local view of one chat surface plus user notifications.
type Timeline struct {
	mu            sync.Mutex
	seen          *dedup
	records       []*Record
	byRef         map[string]*Record
	notifications []model.NotificationPayload
}

func NewTimeline(dedupSize int) *Timeline {
	return &Timeline{
		seen:  newDedup(dedupSize),
		byRef: make(map[string]*Record),
	}
}

// AddPending records an optimistic local echo.
func (t *Timeline) AddPending(chatID, senderID, content, clientRef string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := &Record{
		ID:        "local:" + clientRef,
		ClientRef: clientRef,
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	t.records = append(t.records, r)
	t.byRef[clientRef] = r
	return *r
}

// ApplyMessage applies a server confirmed message. It reports false when
// eventID was already applied. A pending record with the same client ref is
// replaced rather than duplicated.
func (t *Timeline) ApplyMessage(eventID string, ev websocket.MessageEvent) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen.add(eventID) {
		return Record{}, false
	}
	m := ev.Message
	if r, ok := t.byRef[m.ClientRef]; ok && m.ClientRef != "" {
		if r.Status == StatusConfirmed {
			return Record{}, false
		}
		r.ID = eventID
		r.MessageID = m.ID
		r.Content = m.Content
		r.CreatedAt = m.CreatedAt
		r.Status = StatusConfirmed
		return *r, true
	}

	r := &Record{
		ID:        eventID,
		ClientRef: m.ClientRef,
		MessageID: m.ID,
		ChatID:    ev.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Status:    StatusConfirmed,
		CreatedAt: m.CreatedAt,
	}
	t.records = append(t.records, r)
	if m.ClientRef != "" {
		t.byRef[m.ClientRef] = r
	}
	return *r, true
}

// ApplyNotification stores a notification unless eventID was already applied.
func (t *Timeline) ApplyNotification(eventID string, n model.NotificationPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seen.add(eventID) {
		return false
	}
	t.notifications = append(t.notifications, n)
	return true
}

// Messages returns a snapshot in local order.
func (t *Timeline) Messages() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Record, len(t.records))
	for i, r := range t.records {
		out[i] = *r
	}
	return out
}

// Pending returns records still waiting for server confirmation.
func (t *Timeline) Pending() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Record
	for _, r := range t.records {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	return out
}

func (t *Timeline) Notifications() []model.NotificationPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.NotificationPayload(nil), t.notifications...)
}

// dedup remembers the most recent ids in a fixed size ring.
type dedup struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newDedup(size int) *dedup {
	if size <= 0 {
		size = 1024
	}
	return &dedup{ids: make(map[string]struct{}, size), ring: make([]string, size)}
}

// add reports whether id is new. Empty ids are always new.
func (d *dedup) add(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := d.ids[id]; ok {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.ids, old)
	}
	d.ring[d.next] = id
	d.ids[id] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return true
}
