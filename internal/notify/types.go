package notify

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// NotifyRecovery also alerts when a crashed service is running again.
	NotifyRecovery bool
}

// Priority orders alerts; senders may render it.
type Priority int

const (
	PriorityInfo     Priority = 5
	PriorityWarning  Priority = 7
	PriorityCritical Priority = 9
)

// Notification is one alert.
type Notification struct {
	Service  string
	Priority Priority
	Text     string
	// Key groups repeats for dedup; empty means Service+Text.
	Key string
}

// Sender delivers rendered alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Service string    `json:"service"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
