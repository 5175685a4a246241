package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wordflow/autopilot/internal/entity"
)

// WebhookRecorder posts status updates to the spreadsheet webhook and
// mirrors every write into a local workbook so operators keep a record when
// the endpoint is down.
type WebhookRecorder struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	mirror  *Mirror
	logger  *zap.SugaredLogger
}

type updatePayload struct {
	OrderID      string `json:"orderId"`
	Status       string `json:"status"`
	Category     string `json:"category,omitempty"`
	ReceivedDate string `json:"receivedDate,omitempty"`
}

// NewWebhookRecorder creates a recorder. mirror may be nil to disable the
// local workbook.
func NewWebhookRecorder(url string, mirror *Mirror, logger *zap.SugaredLogger) *WebhookRecorder {
	return &WebhookRecorder{
		url:     url,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(2), 5),
		mirror:  mirror,
		logger:  logger,
	}
}

// UpdateStatus posts the update with bounded retries. The mirror write
// happens regardless of webhook success.
func (r *WebhookRecorder) UpdateStatus(ctx context.Context, orderID string, status entity.ExternalStatus, category string, receivedDate *time.Time) error {
	if r.mirror != nil {
		if err := r.mirror.Append(orderID, status, category); err != nil {
			r.logger.Warnw("sheet mirror write failed", "orderId", orderID, "error", err)
		}
	}

	if r.url == "" {
		return nil
	}

	payload := updatePayload{
		OrderID:  orderID,
		Status:   string(status),
		Category: category,
	}
	if receivedDate != nil {
		payload.ReceivedDate = receivedDate.Format(time.RFC3339)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	op := func() error {
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("sheet webhook returned %d", resp.StatusCode)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("sheet update for %s failed: %w", orderID, err)
	}
	return nil
}

// ReadStatusMap fetches the status of every known order from the webhook.
func (r *WebhookRecorder) ReadStatusMap(ctx context.Context) (map[string]entity.ExternalStatus, error) {
	if r.url == "" {
		return map[string]entity.ExternalStatus{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sheet read returned %d", resp.StatusCode)
	}

	var raw map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	out := make(map[string]entity.ExternalStatus, len(raw))
	for id, s := range raw {
		out[id] = entity.ExternalStatus(s)
	}
	return out, nil
}
