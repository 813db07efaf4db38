package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
	"go.uber.org/zap"

	"github.com/lalithlochan/renewd/internal/dispatch"
)

// WebhookPush delivers push reminders by POSTing JSON to the user's endpoint.
// Endpoints are user supplied, so the client refuses private, loopback,
// link-local and metadata addresses after DNS resolution.
type WebhookPush struct {
	client *http.Client
	logger *zap.Logger
}

type PushConfig struct {
	Timeout time.Duration
	// AllowedPorts defaults to 80 and 443.
	AllowedPorts []int
}

var pushSchemes = []string{"http", "https"}

// NewWebhookPush creates a new push transport
func NewWebhookPush(logger *zap.Logger, cfg PushConfig) *WebhookPush {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ports := cfg.AllowedPorts
	if len(ports) == 0 {
		ports = []int{80, 443}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(pushSchemes...).
		SetAllowedPorts(ports...).
		Build()

	return &WebhookPush{
		client: safeurl.Client(config).Client,
		logger: logger,
	}
}

// SendPush posts payload to endpoint; any 2xx is a delivery.
func (p *WebhookPush) SendPush(ctx context.Context, endpoint string, payload dispatch.PushPayload) (*dispatch.Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "renewd/1.0")
	req.Header.Set("X-Renewd-Subscription-ID", payload.SubscriptionID)
	req.Header.Set("X-Renewd-Reminder-Kind", payload.Kind)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body for logging/debugging
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("push endpoint returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
		if endpointRejected(resp.StatusCode) {
			return nil, dispatch.Reject(err)
		}
		return nil, err
	}

	p.logger.Info("push delivered",
		zap.String("endpoint", endpoint),
		zap.Int("status_code", resp.StatusCode),
		zap.String("response_preview", string(bodyBytes)),
	)

	return &dispatch.Result{
		Provider: "webhook",
		Detail: map[string]string{
			"status_code": fmt.Sprintf("%d", resp.StatusCode),
		},
	}, nil
}

// endpointRejected reports whether status is the endpoint refusing this
// delivery for good, as opposed to the endpoint being unavailable.
func endpointRejected(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}
