package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fusebox-dev/fusebox/pkg/resilience"
)

// defaultMinInterval suppresses repeat alerts for the same
// (dependency, state) pair on a channel
const defaultMinInterval = time.Minute

// Service dispatches circuit breaker state changes to notification
// channels. It consumes the manager's event stream and never feeds back
// into breaker decisions.
type Service struct {
	logger    *zap.Logger
	templates TemplateManager
	log       *EventLog

	mu       sync.RWMutex
	handlers map[ChannelType]ChannelHandler
	targets  []NotificationChannel
	lastSent map[string]time.Time
}

// NewService creates a new notification service. A nil templates
// argument uses the default templates.
func NewService(logger *zap.Logger, templates TemplateManager) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if templates == nil {
		templates = NewDefaultTemplateManager()
	}

	return &Service{
		logger:    logger,
		templates: templates,
		log:       NewEventLog(defaultLogCapacity),
		handlers:  make(map[ChannelType]ChannelHandler),
		lastSent:  make(map[string]time.Time),
	}
}

// RegisterChannelHandler registers a handler for a specific channel type
func (s *Service) RegisterChannelHandler(handler ChannelHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[handler.GetChannelType()] = handler
}

// AddChannel registers a notification destination
func (s *Service) AddChannel(channel NotificationChannel) {
	if channel.ID == uuid.Nil {
		channel.ID = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, channel)
}

// Run consumes state change events until the context is cancelled or
// the event channel closes. It is meant to run as a goroutine next to
// the manager.
func (s *Service) Run(ctx context.Context, events <-chan resilience.StateChangeEvent) {
	s.logger.Info("Notification service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Notification service stopped", zap.Error(ctx.Err()))
			return
		case event, ok := <-events:
			if !ok {
				s.logger.Info("Notification service stopped, event stream closed")
				return
			}
			s.Notify(ctx, event)
		}
	}
}

// Notify dispatches one state change event to every matching channel
func (s *Service) Notify(ctx context.Context, event resilience.StateChangeEvent) {
	s.mu.RLock()
	targets := make([]NotificationChannel, len(s.targets))
	copy(targets, s.targets)
	s.mu.RUnlock()

	for _, channel := range targets {
		if !channel.Enabled || !channel.Preferences.wants(event) {
			continue
		}

		if suppressed := s.suppress(channel, event); suppressed {
			s.log.Record(NotificationEvent{
				ID:         uuid.New(),
				ChannelID:  channel.ID,
				Type:       channel.Type,
				Status:     StatusSkipped,
				Dependency: event.Dependency,
				State:      event.To.String(),
				CreatedAt:  time.Now(),
			})
			continue
		}

		s.mu.RLock()
		handler, exists := s.handlers[channel.Type]
		s.mu.RUnlock()
		if !exists {
			s.logger.Warn("No handler registered for channel type",
				zap.String("channel_type", string(channel.Type)),
				zap.String("channel_name", channel.Name))
			continue
		}

		message, err := s.templates.RenderStateChange(event, "markdown")
		if err != nil {
			s.logger.Error("Failed to render notification",
				zap.String("dependency", event.Dependency),
				zap.Error(err))
			continue
		}

		record := NotificationEvent{
			ID:         uuid.New(),
			ChannelID:  channel.ID,
			Type:       channel.Type,
			Dependency: event.Dependency,
			State:      event.To.String(),
			CreatedAt:  time.Now(),
		}

		if err := handler.Send(ctx, channel, message); err != nil {
			s.logger.Error("Failed to send state change notification",
				zap.String("channel_type", string(channel.Type)),
				zap.String("channel_name", channel.Name),
				zap.String("dependency", event.Dependency),
				zap.String("to_state", event.To.String()),
				zap.Error(err))
			record.Status = StatusFailed
			record.Error = err.Error()
			s.log.Record(record)
			continue
		}

		s.logger.Info("Sent state change notification",
			zap.String("channel_type", string(channel.Type)),
			zap.String("dependency", event.Dependency),
			zap.String("from_state", event.From.String()),
			zap.String("to_state", event.To.String()))

		record.Status = StatusSent
		s.log.Record(record)
		s.markSent(channel, event)
	}
}

// TestConnection tests the notification channel connectivity
func (s *Service) TestConnection(ctx context.Context, channel NotificationChannel) error {
	s.mu.RLock()
	handler, exists := s.handlers[channel.Type]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("no handler registered for channel type: %s", channel.Type)
	}

	err := handler.Test(ctx, channel)

	record := NotificationEvent{
		ID:        uuid.New(),
		ChannelID: channel.ID,
		Type:      channel.Type,
		Status:    StatusSent,
		CreatedAt: time.Now(),
	}
	if err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
	}
	s.log.Record(record)

	return err
}

// GetSupportedChannels returns list of supported notification channels
func (s *Service) GetSupportedChannels() []ChannelType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]ChannelType, 0, len(s.handlers))
	for channelType := range s.handlers {
		channels = append(channels, channelType)
	}

	return channels
}

// Stats summarizes dispatch activity
func (s *Service) Stats() *NotificationStats {
	return s.log.Stats()
}

// suppress reports whether the event falls inside the channel's repeat
// suppression window
func (s *Service) suppress(channel NotificationChannel, event resilience.StateChangeEvent) bool {
	interval := channel.Preferences.MinInterval
	if interval <= 0 {
		interval = defaultMinInterval
	}

	key := suppressionKey(channel, event)

	s.mu.RLock()
	last, seen := s.lastSent[key]
	s.mu.RUnlock()

	return seen && time.Since(last) < interval
}

func (s *Service) markSent(channel NotificationChannel, event resilience.StateChangeEvent) {
	s.mu.Lock()
	s.lastSent[suppressionKey(channel, event)] = time.Now()
	s.mu.Unlock()
}

func suppressionKey(channel NotificationChannel, event resilience.StateChangeEvent) string {
	return channel.ID.String() + "|" + event.Dependency + "|" + event.To.String()
}
