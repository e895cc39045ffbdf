package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
)

const (
	fcmScope       = "https://www.googleapis.com/auth/firebase.messaging"
	fcmEndpoint    = "https://fcm.googleapis.com"
	fcmConcurrency = 10
)

// ErrInvalidToken is reported when FCM no longer recognizes a token.
var ErrInvalidToken = errors.New("fcm_invalid_token")

// FCMSender delivers to mobile endpoints through the FCM HTTP v1 API. The v1
// API has no batch call, so a batch is sent as concurrent single requests.
type FCMSender struct {
	projectID   string
	tokenSource oauth2.TokenSource
	client      *http.Client
	endpoint    string
}

func NewFCMSender(ctx context.Context, projectID, credentialsPath string) (*FCMSender, error) {
	if strings.TrimSpace(credentialsPath) == "" {
		return nil, fmt.Errorf("fcm credentials path required")
	}
	raw, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("read fcm credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, raw, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("load fcm credentials: %w", err)
	}
	if projectID == "" {
		projectID = creds.ProjectID
	}
	if projectID == "" {
		return nil, fmt.Errorf("fcm project id required")
	}
	return &FCMSender{
		projectID:   projectID,
		tokenSource: oauth2.ReuseTokenSource(nil, creds.TokenSource),
		client:      http.DefaultClient,
		endpoint:    fcmEndpoint,
	}, nil
}

func (s *FCMSender) SendBatch(ctx context.Context, msgs []Message) ([]Result, error) {
	accessToken, err := s.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("fcm access token: %w", err)
	}

	results := make([]Result, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fcmConcurrency)
	for i, m := range msgs {
		g.Go(func() error {
			results[i] = s.send(gctx, accessToken.AccessToken, m)
			return nil
		})
	}
	g.Wait()
	return results, nil
}

func (s *FCMSender) send(ctx context.Context, accessToken string, m Message) Result {
	if strings.TrimSpace(m.Token) == "" {
		return permanent(m.Token, fmt.Errorf("%w: empty token", ErrInvalidToken))
	}
	body, err := json.Marshal(fcmRequest{Message: buildFCMMessage(m)})
	if err != nil {
		return transient(m.Token, fmt.Errorf("marshal fcm payload: %w", err))
	}
	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", s.endpoint, s.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return transient(m.Token, fmt.Errorf("build fcm request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return transient(m.Token, fmt.Errorf("send fcm request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return success(m.Token)
	}

	rawBody, _ := io.ReadAll(resp.Body)
	return classifyFCMError(m.Token, resp.StatusCode, rawBody)
}

func buildFCMMessage(m Message) fcmMessage {
	androidPriority, apnsPriority := "HIGH", "10"
	if m.Priority == PriorityNormal {
		androidPriority, apnsPriority = "NORMAL", "5"
	}
	return fcmMessage{
		Token: m.Token,
		Data:  m.Data,
		Notification: &fcmNotification{
			Title: m.Title,
			Body:  m.Body,
		},
		Android: &fcmAndroidConfig{Priority: androidPriority},
		APNS: &fcmAPNSConfig{
			Headers: map[string]string{
				"apns-push-type": "alert",
				"apns-priority":  apnsPriority,
			},
		},
	}
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Data         map[string]string `json:"data,omitempty"`
	Notification *fcmNotification  `json:"notification,omitempty"`
	Android      *fcmAndroidConfig `json:"android,omitempty"`
	APNS         *fcmAPNSConfig    `json:"apns,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type fcmAndroidConfig struct {
	Priority string `json:"priority,omitempty"`
}

type fcmAPNSConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
}

type fcmErrorResponse struct {
	Error struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// classifyFCMError resolves an FCM error response into an outcome.
// UNREGISTERED, SENDER_ID_MISMATCH and NOT_FOUND mean the token will never
// work again; everything else is retried on the next send.
func classifyFCMError(token string, status int, body []byte) Result {
	var resp fcmErrorResponse
	if len(body) == 0 || json.Unmarshal(body, &resp) != nil {
		return transient(token, fmt.Errorf("fcm send failed: status %d: %s", status, string(body)))
	}
	for _, detail := range resp.Error.Details {
		switch detail.ErrorCode {
		case "UNREGISTERED", "SENDER_ID_MISMATCH":
			return permanent(token, fmt.Errorf("%w: %s", ErrInvalidToken, resp.Error.Message))
		}
	}
	if status == http.StatusNotFound || resp.Error.Status == "NOT_FOUND" {
		return permanent(token, fmt.Errorf("%w: %s", ErrInvalidToken, resp.Error.Message))
	}
	return transient(token, fmt.Errorf("fcm send failed: status %d: %s", status, resp.Error.Message))
}
