package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"
)

// ErrExpired is returned when a push subscription is no longer valid (404/410).
var ErrExpired = errors.New("push subscription expired")

const webPushConcurrency = 10

// WebPayload is the JSON delivered to the service worker.
type WebPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// WebPushSender delivers to browser endpoints. The endpoint token is the
// JSON encoded PushSubscription produced by the browser.
type WebPushSender struct {
	publicKey  string
	privateKey string
	subscriber string
	ttl        int
	client     webpush.HTTPClient
}

func NewWebPushSender(publicKey, privateKey, subscriber string) *WebPushSender {
	if subscriber == "" {
		subscriber = "mailto:noreply@courier.local"
	}
	return &WebPushSender{
		publicKey:  publicKey,
		privateKey: privateKey,
		subscriber: subscriber,
		ttl:        86400,
		client:     http.DefaultClient,
	}
}

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (s *WebPushSender) VAPIDPublicKey() string {
	return s.publicKey
}

func (s *WebPushSender) SendBatch(ctx context.Context, msgs []Message) ([]Result, error) {
	results := make([]Result, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(webPushConcurrency)
	for i, m := range msgs {
		g.Go(func() error {
			results[i] = s.send(gctx, m)
			return nil
		})
	}
	g.Wait()
	return results, nil
}

func (s *WebPushSender) send(ctx context.Context, m Message) Result {
	sub, err := ParseSubscription(m.Token)
	if err != nil {
		return permanent(m.Token, err)
	}
	data, err := json.Marshal(WebPayload{Title: m.Title, Body: m.Body, Data: m.Data})
	if err != nil {
		return transient(m.Token, fmt.Errorf("marshal payload: %w", err))
	}

	urgency := webpush.UrgencyHigh
	if m.Priority == PriorityNormal {
		urgency = webpush.UrgencyNormal
	}
	resp, err := webpush.SendNotificationWithContext(ctx, data, sub, &webpush.Options{
		HTTPClient:      s.client,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		Subscriber:      s.subscriber,
		TTL:             s.ttl,
		Urgency:         urgency,
	})
	if err != nil {
		return transient(m.Token, fmt.Errorf("send push: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return permanent(m.Token, ErrExpired)
	case resp.StatusCode >= 400:
		return transient(m.Token, fmt.Errorf("push service returned %d", resp.StatusCode))
	}
	return success(m.Token)
}

// ParseSubscription decodes a browser PushSubscription token.
func ParseSubscription(token string) (*webpush.Subscription, error) {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(token), &sub); err != nil {
		return nil, fmt.Errorf("%w: malformed subscription: %v", ErrExpired, err)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, fmt.Errorf("%w: incomplete subscription", ErrExpired)
	}
	return &sub, nil
}

// GenerateVAPIDKeys returns a new base64url P-256 pair for VAPID, public
// key first.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("generate VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}
