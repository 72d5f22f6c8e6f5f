// Package notify delivers the one-shot success and failure notifications.
// Every notifier is best effort: errors are returned to the caller, which
// records them and moves on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rskumar/orderflow/internal/engine"
	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/pkg/schema"
)

// Notification is the payload bus notifiers put on the wire.
type Notification struct {
	ID          string         `json:"id"`
	Channel     schema.Channel `json:"channel"`
	Subject     string         `json:"subject"`
	Message     string         `json:"message"`
	ExecutionID string         `json:"execution_id,omitempty"`
	RunID       string         `json:"run_id,omitempty"`
	PublishedAt time.Time      `json:"published_at"`
}

// Log writes notifications to a logger. It never fails.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logging.WithModule(logger, "notify")}
}

func (l *Log) Publish(ctx context.Context, channel schema.Channel, subject, message string) error {
	l.logger.InfoContext(ctx, "notification",
		slog.String("channel", string(channel)), slog.String("subject", subject), slog.String("message", message))
	return nil
}

// Multi fans a notification out to several notifiers. Every notifier is
// tried; the joined errors of the failing ones are returned.
type Multi []engine.Notifier

func (m Multi) Publish(ctx context.Context, channel schema.Channel, subject, message string) error {
	var errs []error
	for i, n := range m {
		if err := n.Publish(ctx, channel, subject, message); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func validChannel(channel schema.Channel) error {
	if channel != schema.ChannelSuccess && channel != schema.ChannelFailure {
		return fmt.Errorf("unknown notification channel %q", channel)
	}
	return nil
}

var (
	_ engine.Notifier = (*Log)(nil)
	_ engine.Notifier = Multi(nil)
)
