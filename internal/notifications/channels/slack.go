package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fusebox-dev/fusebox/internal/notifications"
)

// SlackHandler implements notification sending to Slack
type SlackHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackHandler creates a new Slack notification handler
func NewSlackHandler(logger *zap.Logger) *SlackHandler {
	return &SlackHandler{
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send sends a notification to Slack
func (h *SlackHandler) Send(ctx context.Context, channel notifications.NotificationChannel, message notifications.NotificationMessage) error {
	if channel.Config.SlackWebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	slackMessage := h.buildSlackMessage(channel, message)

	payload, err := json.Marshal(slackMessage)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", channel.Config.SlackWebhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	h.logger.Debug("Sent Slack notification",
		zap.String("channel_id", channel.ID.String()),
		zap.String("webhook_url", maskWebhookURL(channel.Config.SlackWebhookURL)))

	return nil
}

// Test tests the Slack channel connectivity
func (h *SlackHandler) Test(ctx context.Context, channel notifications.NotificationChannel) error {
	if channel.Config.SlackWebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	testMessage := notifications.NotificationMessage{
		Subject: "Fusebox Test Notification",
		Body:    "This is a test notification from fusebox. If you receive this, your Slack integration is working correctly!",
		Format:  "markdown",
	}

	return h.Send(ctx, channel, testMessage)
}

// GetChannelType returns the channel type
func (h *SlackHandler) GetChannelType() notifications.ChannelType {
	return notifications.ChannelTypeSlack
}

// buildSlackMessage converts a generic notification message to Slack format
func (h *SlackHandler) buildSlackMessage(channel notifications.NotificationChannel, message notifications.NotificationMessage) SlackMessage {
	slackMessage := SlackMessage{
		Text:     message.Subject,
		Username: channel.Config.SlackUsername,
		Channel:  channel.Config.SlackChannel,
	}

	// Set icon based on message severity
	if severity, exists := message.Metadata["severity"]; exists {
		switch severity {
		case "high":
			slackMessage.IconEmoji = ":rotating_light:"
		case "medium":
			slackMessage.IconEmoji = ":warning:"
		case "low":
			slackMessage.IconEmoji = ":white_check_mark:"
		default:
			slackMessage.IconEmoji = ":electric_plug:"
		}
	} else {
		slackMessage.IconEmoji = ":electric_plug:"
	}

	// Create attachment for rich formatting
	attachment := SlackAttachment{
		Text:      message.Body,
		Footer:    "Fusebox Resilience Core",
		Timestamp: time.Now().Unix(),
	}

	// Color follows the state the circuit landed in
	if toState, exists := message.Metadata["to_state"]; exists {
		switch toState {
		case "OPEN":
			attachment.Color = "danger"
		case "HALF_OPEN":
			attachment.Color = "warning"
		case "CLOSED":
			attachment.Color = "good"
		default:
			attachment.Color = "#36a64f"
		}
	}

	// Add fields from metadata
	if dependency, exists := message.Metadata["dependency"]; exists {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Dependency",
			Value: fmt.Sprintf("%v", dependency),
			Short: true,
		})
	}

	if fromState, exists := message.Metadata["from_state"]; exists {
		if toState, ok := message.Metadata["to_state"]; ok {
			attachment.Fields = append(attachment.Fields, SlackField{
				Title: "Transition",
				Value: fmt.Sprintf("%v -> %v", fromState, toState),
				Short: true,
			})
		}
	}

	if reason, exists := message.Metadata["reason"]; exists {
		attachment.Fields = append(attachment.Fields, SlackField{
			Title: "Reason",
			Value: fmt.Sprintf("%v", reason),
			Short: false,
		})
	}

	slackMessage.Attachments = []SlackAttachment{attachment}

	return slackMessage
}

// maskWebhookURL masks the webhook URL for logging
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
