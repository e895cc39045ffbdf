package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/courier/internal/model"
)

// DeviceRegistry is the durable endpoint store the service reads from and
// reports endpoint health to.
type DeviceRegistry interface {
	Upsert(ctx context.Context, userID, token string, platform model.Platform, deviceID string, when time.Time) (model.DeviceEndpoint, error)
	ListActive(ctx context.Context, userID string) ([]model.DeviceEndpoint, error)
	ListByUser(ctx context.Context, userID string) ([]model.DeviceEndpoint, error)
	Deactivate(ctx context.Context, token string, version int64, when time.Time) (bool, error)
	DeactivateForUser(ctx context.Context, userID, token string, when time.Time) error
}

type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	// Concurrency bounds how many batches of one send are in flight.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Report summarizes one Send.
type Report struct {
	Endpoints   int
	Batches     int
	Succeeded   int
	Transient   int
	Deactivated int
}

type Service struct {
	devices  DeviceRegistry
	provider Provider
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(devices DeviceRegistry, provider Provider, logger *slog.Logger, cfg Config) *Service {
	return &Service{
		devices:  devices,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "push"),
		now:      time.Now,
	}
}

// RegisterDevice upserts the endpoint keyed by token. Registering a token
// already owned by another user moves it to userID.
func (s *Service) RegisterDevice(ctx context.Context, userID, token, platform, deviceID string) (model.DeviceEndpoint, error) {
	fields := map[string]string{}
	token = strings.TrimSpace(token)
	if token == "" {
		fields["token"] = "required"
	}
	if userID == "" {
		fields["userId"] = "required"
	}
	p, err := model.ParsePlatform(platform)
	if err != nil {
		fields["platform"] = "must be one of mobile-ios, mobile-android, web"
	}
	if len(fields) > 0 {
		return model.DeviceEndpoint{}, model.NewValidationError(fields)
	}
	if p == model.PlatformWeb {
		if _, err := ParseSubscription(token); err != nil {
			return model.DeviceEndpoint{}, model.NewValidationError(map[string]string{"token": "must be a push subscription"})
		}
	}

	d, err := s.devices.Upsert(ctx, userID, token, p, strings.TrimSpace(deviceID), s.now())
	if err != nil {
		return model.DeviceEndpoint{}, fmt.Errorf("register device: %w", err)
	}
	s.logger.Info("device registered", "user_id", userID, "platform", p, "endpoint_id", d.ID)
	return d, nil
}

// UnregisterDevice deactivates a token owned by userID.
func (s *Service) UnregisterDevice(ctx context.Context, userID, token string) error {
	if strings.TrimSpace(token) == "" {
		return model.NewValidationError(map[string]string{"token": "required"})
	}
	if err := s.devices.DeactivateForUser(ctx, userID, strings.TrimSpace(token), s.now()); err != nil {
		return err
	}
	s.logger.Info("device unregistered", "user_id", userID)
	return nil
}

func (s *Service) ListDevices(ctx context.Context, userID string) ([]model.DeviceEndpoint, error) {
	return s.devices.ListByUser(ctx, userID)
}

// Send pushes title/body/payload to every active endpoint of userID. Batches
// run concurrently with their own timeout; a failing batch does not affect
// the others. Endpoints reported permanently invalid are deactivated.
func (s *Service) Send(ctx context.Context, userID, title, body string, payload map[string]any) (Report, error) {
	endpoints, err := s.devices.ListActive(ctx, userID)
	if err != nil {
		return Report{}, fmt.Errorf("list active endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return Report{}, nil
	}

	data := flattenPayload(payload)
	msgs := make([]Message, len(endpoints))
	versions := make(map[string]int64, len(endpoints))
	for i, e := range endpoints {
		msgs[i] = Message{
			Token:    e.Token,
			Platform: e.Platform,
			Title:    title,
			Body:     body,
			Data:     data,
			Priority: PriorityHigh,
		}
		versions[e.Token] = e.Version
	}

	chunks := batches(msgs, s.cfg.BatchSize)
	report := Report{Endpoints: len(endpoints), Batches: len(chunks)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, batch := range chunks {
		g.Go(func() error {
			r := s.sendBatch(ctx, userID, batch, versions)
			mu.Lock()
			report.Succeeded += r.Succeeded
			report.Transient += r.Transient
			report.Deactivated += r.Deactivated
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return report, nil
}

func (s *Service) sendBatch(ctx context.Context, userID string, batch []Message, versions map[string]int64) Report {
	bctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	var r Report
	results, err := s.provider.SendBatch(bctx, batch)
	if err != nil {
		s.logger.Warn("push batch failed", "user_id", userID, "size", len(batch), "error", err)
		r.Transient = len(batch)
		return r
	}

	for i, res := range results {
		if i >= len(batch) {
			break
		}
		platform := batch[i].Platform
		switch res.Outcome {
		case OutcomeSuccess:
			r.Succeeded++
		case OutcomePermanent:
			changed, err := s.devices.Deactivate(ctx, res.Token, versions[res.Token], s.now())
			if err != nil {
				s.logger.Error("deactivate endpoint", "user_id", userID, "platform", platform, "error", err)
				continue
			}
			if changed {
				r.Deactivated++
				s.logger.Info("endpoint deactivated", "user_id", userID, "platform", platform, "reason", res.Err)
			}
		default:
			r.Transient++
			level := slog.LevelWarn
			if errors.Is(res.Err, ErrNoProvider) {
				level = slog.LevelDebug
			}
			s.logger.Log(ctx, level, "push failed", "user_id", userID, "platform", platform, "error", res.Err)
		}
	}
	return r
}

// batches partitions msgs into slices of at most size elements.
func batches(msgs []Message, size int) [][]Message {
	if size <= 0 {
		size = len(msgs)
	}
	var out [][]Message
	for len(msgs) > size {
		out = append(out, msgs[:size:size])
		msgs = msgs[size:]
	}
	if len(msgs) > 0 {
		out = append(out, msgs)
	}
	return out
}

// flattenPayload converts an event payload into string values as required
// by provider data fields. Non-string values are JSON encoded.
func flattenPayload(payload map[string]any) map[string]string {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
