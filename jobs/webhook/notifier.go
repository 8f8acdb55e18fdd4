// Package webhook delivers job completion notifications to an external URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/calyptra/flowjobs/config"
	"github.com/calyptra/flowjobs/internal/httpclient"
)

// JobData is the notification payload POSTed to the webhook URL
type JobData struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Name   string          `json:"name"`
	FlowID string          `json:"flow_id,omitempty"`
	UserID string          `json:"user_id,omitempty"`
}

// Notifier posts job notifications with bounded sequential retries.
// Delivery is best-effort at-least-once: Send never returns an error, only
// whether any attempt got a 2xx back.
type Notifier struct {
	cfg     config.WebhookConfig
	client  *httpclient.SaferClient
	limiter *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewNotifier creates a notifier from webhook configuration. When
// RatePerMinute is positive, outbound notifications are rate limited.
func NewNotifier(cfg config.WebhookConfig, log *zap.SugaredLogger) *Notifier {
	n := &Notifier{
		cfg:    cfg,
		client: httpclient.New(cfg.Timeout()),
		logger: log,
	}
	if cfg.RatePerMinute > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), 1)
	}
	return n
}

// NewNotifierWithClient creates a notifier with a caller-supplied HTTP
// client. Used by tests to target httptest servers.
func NewNotifierWithClient(cfg config.WebhookConfig, client *httpclient.SaferClient, log *zap.SugaredLogger) *Notifier {
	n := NewNotifier(cfg, log)
	n.client = client
	return n
}

// Send posts the job payload to the configured webhook URL. Returns false
// when notifications are disabled, the URL is empty, or every attempt
// failed; true on the first 2xx response. Transport errors and non-2xx
// statuses are logged and retried up to the configured attempt count.
func (n *Notifier) Send(ctx context.Context, data JobData) bool {
	if !n.cfg.Enabled || n.cfg.URL == "" {
		return false
	}

	body, err := json.Marshal(data)
	if err != nil {
		n.logger.Errorw("Failed to marshal webhook payload", "job_id", data.ID, "error", err)
		return false
	}

	attempts := n.cfg.Retries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			n.logger.Warnw("Webhook delivery abandoned", "job_id", data.ID, "error", err)
			return false
		}

		if n.limiter != nil {
			if err := n.limiter.Wait(ctx); err != nil {
				n.logger.Warnw("Webhook delivery abandoned", "job_id", data.ID, "error", err)
				return false
			}
		}

		if n.deliver(ctx, body, data.ID, attempt) {
			return true
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(retryDelay):
			}
		}
	}

	n.logger.Errorw("Webhook delivery exhausted retries",
		"job_id", data.ID,
		"url", n.cfg.URL,
		"attempts", attempts)
	return false
}

// deliver makes one POST attempt with its own timeout
func (n *Notifier) deliver(ctx context.Context, body []byte, jobID string, attempt int) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		n.logger.Errorw("Failed to build webhook request", "job_id", jobID, "error", err)
		return false
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.cfg.UserAgent)
	if n.cfg.Secret != "" {
		req.Header.Set("X-Webhook-Secret", n.cfg.Secret)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warnw("Webhook request failed",
			"job_id", jobID,
			"attempt", attempt,
			"error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.logger.Warnw("Webhook returned non-2xx status",
			"job_id", jobID,
			"attempt", attempt,
			"status", resp.StatusCode)
		return false
	}

	n.logger.Infow("Webhook delivered", "job_id", jobID, "attempt", attempt)
	return true
}

// backoff kept tiny and fixed; the per-attempt timeout dominates
var retryDelay = 100 * time.Millisecond
