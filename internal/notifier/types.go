package notifier

import (
	"context"
	"time"

	"antigravity/internal/batch"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	QueueSize  int
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
	// On lists the statuses worth a message. Empty means every terminal status.
	On []batch.Status
}

// Target is a chat, optionally narrowed to a forum thread.
type Target struct {
	ChatID   int64
	ThreadID int
}

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, to Target, text string) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	RunID string    `json:"run_id,omitempty"`
	Text  string    `json:"text"`
	Error string    `json:"error,omitempty"`
}
