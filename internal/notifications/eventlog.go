package notifications

import (
	"sync"
	"time"
)

const defaultLogCapacity = 128

// EventLog keeps a bounded in-memory record of dispatch attempts. The
// oldest entries are overwritten once capacity is reached.
type EventLog struct {
	mu        sync.Mutex
	events    []NotificationEvent
	next      int
	count     int
	sent      int64
	failed    int64
	skipped   int64
	byChannel map[ChannelType]int64
}

// NewEventLog creates an event log holding up to capacity entries
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &EventLog{
		events:    make([]NotificationEvent, capacity),
		byChannel: make(map[ChannelType]int64),
	}
}

// Record appends a dispatch attempt to the log
func (l *EventLog) Record(event NotificationEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[l.next] = event
	l.next = (l.next + 1) % len(l.events)
	if l.count < len(l.events) {
		l.count++
	}

	switch event.Status {
	case StatusSent:
		l.sent++
		l.byChannel[event.Type]++
	case StatusFailed:
		l.failed++
	case StatusSkipped:
		l.skipped++
	}
}

// Recent returns up to n events, newest first
func (l *EventLog) Recent(n int) []NotificationEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.count {
		n = l.count
	}

	recent := make([]NotificationEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.events)) % len(l.events)
		recent = append(recent, l.events[idx])
	}
	return recent
}

// Stats summarizes dispatch activity
func (l *EventLog) Stats() *NotificationStats {
	l.mu.Lock()
	sent, failed, skipped := l.sent, l.failed, l.skipped
	byChannel := make(map[ChannelType]int64, len(l.byChannel))
	for channelType, n := range l.byChannel {
		byChannel[channelType] = n
	}
	l.mu.Unlock()

	return &NotificationStats{
		TotalSent:    sent,
		TotalFailed:  failed,
		TotalSkipped: skipped,
		ByChannel:    byChannel,
		RecentEvents: l.Recent(10),
		LastUpdated:  time.Now(),
	}
}
