package publish

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// Fanout tries each publisher in order and stops at the first success.
// Typical wiring: live websocket session first, then the durable
// transport (kafka or push gateway) for clients that are not connected.
type Fanout struct {
	Publishers []Publisher
	Logger     *slog.Logger
}

func (f *Fanout) Publish(ctx context.Context, channel string, ev models.Event) error {
	var lastErr error
	for _, p := range f.Publishers {
		err := p.Publish(ctx, channel, ev)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if f.Logger != nil && lastErr != nil {
		f.Logger.Warn("publish failed on all transports", "channel", channel, "type", ev.Type, "error", lastErr)
	}
	return lastErr
}
