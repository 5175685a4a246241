// Package notify delivers short operator alerts. Notification failures are
// logged by callers and never fail the surrounding flow.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notifier sends a text alert to the operators' channel.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// WebhookNotifier posts alerts to a chat webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *zap.SugaredLogger
}

// NewWebhookNotifier creates a notifier. An empty URL yields a notifier that
// drops every message, so callers never need a nil check.
func NewWebhookNotifier(url string, logger *zap.SugaredLogger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// Notify posts the text. A non-2xx response is an error; the caller decides
// whether to log or escalate.
func (n *WebhookNotifier) Notify(ctx context.Context, text string) error {
	if n.url == "" {
		n.logger.Debugw("operator notification dropped, no webhook configured", "text", text)
		return nil
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier returned %d", resp.StatusCode)
	}
	return nil
}
