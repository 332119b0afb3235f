package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-dev/agentd/internal/config"
	"github.com/antigravity-dev/agentd/internal/retry"
)

// SessionData mirrors the "completed" webhook's session_data object.
type SessionData struct {
	Iterations int      `json:"iterations"`
	Events     []string `json:"events"`
}

// webhookPayload is the union of the three event shapes the task service
// dispatches; fields are omitted by the zero-value when not applicable to a
// given status.
type webhookPayload struct {
	TaskID       string            `json:"task_id"`
	Status       string            `json:"status"`
	ResultData   map[string]string `json:"result_data,omitempty"`
	ResultFiles  []string          `json:"result_files,omitempty"`
	SessionData  *SessionData      `json:"session_data,omitempty"`
	ActivityLog  []string          `json:"activity_log,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// WebhookClient delivers the three task lifecycle webhook events, grounded
// in the same plain net/http + bearer-token pattern as internal/llmclient,
// with bounded exponential-backoff retry (§9A answers the open question:
// option (b), not at-most-once).
type WebhookClient struct {
	httpClient *http.Client
	url        string
	secret     string
	policy     retry.Policy
	logger     *slog.Logger

	onDeliveryFailure func(status string)
}

// NewWebhookClient constructs a client from the webhook config section. A
// blank URL disables delivery entirely (send becomes a no-op) so the task
// service can run without a configured webhook target in development.
func NewWebhookClient(cfg config.Webhook, logger *slog.Logger) *WebhookClient {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookClient{
		httpClient: &http.Client{Timeout: timeout},
		url:        cfg.URL,
		secret:     cfg.Secret,
		policy: retry.Policy{
			MaxRetries:    cfg.MaxRetries,
			InitialDelay:  cfg.InitialDelay.Duration,
			BackoffFactor: cfg.BackoffFactor,
			MaxDelay:      cfg.MaxDelay.Duration,
		},
		logger: logger,
	}
}

// OnDeliveryFailure registers a callback invoked once per event whose
// delivery exhausts the retry budget, used to drive the
// webhook_delivery_failures_total metric.
func (c *WebhookClient) OnDeliveryFailure(fn func(status string)) {
	c.onDeliveryFailure = fn
}

// Running dispatches the task-started event.
func (c *WebhookClient) Running(ctx context.Context, taskID string) {
	c.send(ctx, webhookPayload{TaskID: taskID, Status: "running"})
}

// Completed dispatches the success event.
func (c *WebhookClient) Completed(ctx context.Context, taskID string, resultData map[string]string, resultFiles []string, iterations int, activityLog []string) {
	c.send(ctx, webhookPayload{
		TaskID:      taskID,
		Status:      "completed",
		ResultData:  resultData,
		ResultFiles: resultFiles,
		SessionData: &SessionData{Iterations: iterations, Events: activityLog},
		ActivityLog: activityLog,
	})
}

// Failed dispatches the failure event.
func (c *WebhookClient) Failed(ctx context.Context, taskID string, errMsg string) {
	c.send(ctx, webhookPayload{TaskID: taskID, Status: "failed", ErrorMessage: errMsg})
}

// send delivers payload, retrying transport and non-2xx failures per the
// client's retry policy. A blank target URL is treated as "no webhook
// configured" and is silently skipped.
func (c *WebhookClient) send(ctx context.Context, payload webhookPayload) {
	if c.url == "" {
		return
	}

	deliveryID := uuid.NewString()

	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("webhook: marshal payload failed", "task_id", payload.TaskID, "status", payload.Status, "delivery_id", deliveryID, "error", err)
		return
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.post(ctx, body); err == nil {
			return
		} else {
			lastErr = err
		}

		delay, shouldRetry := c.policy.NextDelay(attempt + 1)
		if !shouldRetry {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			shouldRetry = false
		case <-time.After(delay):
		}
		if !shouldRetry {
			break
		}
	}

	c.logger.Error("webhook: delivery exhausted retry budget",
		"task_id", payload.TaskID, "status", payload.Status, "delivery_id", deliveryID, "error", lastErr)
	if c.onDeliveryFailure != nil {
		c.onDeliveryFailure(payload.Status)
	}
}

func (c *WebhookClient) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: non-2xx status %d", resp.StatusCode)
	}
	return nil
}
