package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// defaultWebhookTimeout is the default timeout for webhook HTTP requests
	defaultWebhookTimeout = 10 * time.Second

	// maxErrorBodySize limits how much of an error response is read
	maxErrorBodySize = 1024
)

// WebhookPayload is the JSON body posted for each recipient
type WebhookPayload struct {
	Recipient   string    `json:"recipient"`
	Config      string    `json:"config"`
	TargetLabel string    `json:"target_label"`
	GroupCount  int       `json:"group_count"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// WebhookSink posts one JSON payload per recipient to an HTTP endpoint
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a webhook sink. A zero timeout uses the default.
func NewWebhookSink(url string, headers map[string]string, timeout time.Duration) (*WebhookSink, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSink{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Notify(ctx context.Context, recipients []string, configName, targetLabel string, groupCount int) error {
	msg := Message{ConfigName: configName, TargetLabel: targetLabel, GroupCount: groupCount}

	var de DeliveryError
	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload := WebhookPayload{
			Recipient:   r,
			Config:      configName,
			TargetLabel: targetLabel,
			GroupCount:  groupCount,
			Title:       msg.Title(),
			Message:     msg.Body(),
			Timestamp:   time.Now().UTC(),
		}
		if err := s.post(ctx, payload); err != nil {
			de.Failed = append(de.Failed, r)
			de.Errs = append(de.Errs, fmt.Errorf("%s: %w", r, err))
		}
	}
	if len(de.Failed) > 0 {
		return &de
	}
	return nil
}

func (s *WebhookSink) post(ctx context.Context, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
