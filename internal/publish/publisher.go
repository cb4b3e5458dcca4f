package publish

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// Publisher pushes one event to a logical channel (driver:{id} or
// rider:{id}). Delivery is at-most-once and best-effort: a dropped push
// degrades latency, not correctness, because offers stay acceptable
// until expiry through the HTTP API.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev models.Event) error
}

// ErrNoSubscriber means no live connection is registered for the channel.
var ErrNoSubscriber = errors.New("no subscriber for channel")

// LogPublisher is the no-transport fallback for local runs.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l *LogPublisher) Publish(_ context.Context, channel string, ev models.Event) error {
	l.Logger.Info("event", "channel", channel, "type", ev.Type)
	return nil
}
