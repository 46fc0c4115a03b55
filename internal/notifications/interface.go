package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fusebox-dev/fusebox/pkg/resilience"
)

// ChannelHandler defines the interface for channel-specific notification handlers
type ChannelHandler interface {
	Send(ctx context.Context, channel NotificationChannel, message NotificationMessage) error
	Test(ctx context.Context, channel NotificationChannel) error
	GetChannelType() ChannelType
}

// NotificationChannel represents a notification destination
type NotificationChannel struct {
	ID          uuid.UUID     `json:"id"`
	Type        ChannelType   `json:"type"`
	Name        string        `json:"name"`
	Config      ChannelConfig `json:"config"`
	Enabled     bool          `json:"enabled"`
	Preferences Preferences   `json:"preferences"`
}

// ChannelType represents the type of notification channel
type ChannelType string

const (
	ChannelTypeSlack   ChannelType = "slack"
	ChannelTypeWebhook ChannelType = "webhook"
)

// ChannelConfig contains channel-specific configuration
type ChannelConfig struct {
	// Slack configuration
	SlackWebhookURL string `json:"slack_webhook_url,omitempty"`
	SlackChannel    string `json:"slack_channel,omitempty"`
	SlackUsername   string `json:"slack_username,omitempty"`

	// Webhook configuration
	WebhookURL     string            `json:"webhook_url,omitempty"`
	WebhookSecret  string            `json:"webhook_secret,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
}

// Preferences defines which transitions a channel wants to hear about.
// The zero value notifies on every transition for every dependency.
type Preferences struct {
	States       []resilience.State `json:"states,omitempty"`
	Dependencies []string           `json:"dependencies,omitempty"`

	// MinInterval suppresses repeat alerts for the same
	// (dependency, state) pair. Zero uses the service default.
	MinInterval time.Duration `json:"min_interval,omitempty"`
}

// wants reports whether this channel should be notified for the event
func (p Preferences) wants(event resilience.StateChangeEvent) bool {
	if len(p.States) > 0 {
		matched := false
		for _, state := range p.States {
			if state == event.To {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(p.Dependencies) > 0 {
		matched := false
		for _, dep := range p.Dependencies {
			if dep == event.Dependency {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	return true
}

// NotificationMessage represents a formatted notification message
type NotificationMessage struct {
	Subject  string                 `json:"subject"`
	Body     string                 `json:"body"`
	Format   string                 `json:"format"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NotificationEvent records one dispatch attempt for auditing
type NotificationEvent struct {
	ID         uuid.UUID          `json:"id"`
	ChannelID  uuid.UUID          `json:"channel_id"`
	Type       ChannelType        `json:"type"`
	Status     NotificationStatus `json:"status"`
	Dependency string             `json:"dependency"`
	State      string             `json:"state"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// NotificationStatus represents the outcome of a dispatch attempt
type NotificationStatus string

const (
	StatusSent    NotificationStatus = "sent"
	StatusFailed  NotificationStatus = "failed"
	StatusSkipped NotificationStatus = "skipped"
)

// NotificationStats summarizes dispatch activity
type NotificationStats struct {
	TotalSent    int64                 `json:"total_sent"`
	TotalFailed  int64                 `json:"total_failed"`
	TotalSkipped int64                 `json:"total_skipped"`
	ByChannel    map[ChannelType]int64 `json:"by_channel"`
	RecentEvents []NotificationEvent   `json:"recent_events"`
	LastUpdated  time.Time             `json:"last_updated"`
}
