package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fusebox-dev/fusebox/internal/notifications"
)

// SignatureHeader carries the HMAC-SHA256 signature of the payload so
// receivers can authenticate deliveries.
const SignatureHeader = "X-Fusebox-Signature-256"

// WebhookHandler delivers notifications as JSON POSTs to an arbitrary
// HTTP endpoint
type WebhookHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// WebhookPayload is the JSON body posted to the receiver
type WebhookPayload struct {
	Subject   string                 `json:"subject"`
	Body      string                 `json:"body"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewWebhookHandler creates a new generic webhook notification handler
func NewWebhookHandler(logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send delivers a notification to the configured webhook endpoint
func (h *WebhookHandler) Send(ctx context.Context, channel notifications.NotificationChannel, message notifications.NotificationMessage) error {
	if channel.Config.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload, err := json.Marshal(WebhookPayload{
		Subject:   message.Subject,
		Body:      message.Body,
		Metadata:  message.Metadata,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", channel.Config.WebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range channel.Config.WebhookHeaders {
		req.Header.Set(key, value)
	}
	if channel.Config.WebhookSecret != "" {
		req.Header.Set(SignatureHeader, signPayload(payload, channel.Config.WebhookSecret))
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}

	h.logger.Debug("Delivered webhook notification",
		zap.String("channel_id", channel.ID.String()),
		zap.String("webhook_url", maskWebhookURL(channel.Config.WebhookURL)))

	return nil
}

// Test tests the webhook endpoint connectivity
func (h *WebhookHandler) Test(ctx context.Context, channel notifications.NotificationChannel) error {
	if channel.Config.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	testMessage := notifications.NotificationMessage{
		Subject: "Fusebox Test Notification",
		Body:    "This is a test notification from fusebox.",
		Format:  "markdown",
		Metadata: map[string]interface{}{
			"test": true,
		},
	}

	return h.Send(ctx, channel, testMessage)
}

// GetChannelType returns the channel type
func (h *WebhookHandler) GetChannelType() notifications.ChannelType {
	return notifications.ChannelTypeWebhook
}

// signPayload computes the hex HMAC-SHA256 of the payload
func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
