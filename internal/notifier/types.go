package notifier

import (
	"context"
	"time"

	"cheersbot/internal/broadcast"
	kit "cheersbot/internal/transport"
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
}

// Sender is the subset of the chat adapter the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// TargetResolver maps a tenant to the chat (and thread) its notices go to.
type TargetResolver func(tenant broadcast.TenantID) (kit.ChatTarget, bool)

// NotificationEvent is published on the event bus for delivery results.
type NotificationEvent struct {
	Tenant   string    `json:"tenant,omitempty"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
